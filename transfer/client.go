package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

const (
	StatusFinishedNoTransfer    = 204 // Finished (No file transfer needed)
	StatusInvalidBody           = 400 // Invalid body
	StatusPinRequiredOrInvalid  = 401 // PIN required / Invalid PIN
	StatusRejected              = 403 // Rejected
	StatusNotFound              = 404 // Unknown session or file
	StatusBlockedByOtherSession = 409 // Blocked by another session
	StatusTooManyRequests       = 429 // Too many requests
)

// Client speaks the sender side of the wire protocol. Status codes
// translate into the fault taxonomy so callers can tell a retryable
// hiccup from the receiver saying no.
type Client struct {
	logger *log.Logger
}

func NewClient(logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{logger: logger}
}

// PrepareUpload sends metadata to the receiver to negotiate an upload.
// The receiver decides whether to accept, partially accept, or reject.
// A 204 means nothing needs transferring; both returns are nil then.
func (c *Client) PrepareUpload(ctx context.Context, host string, remote types.Device, request *types.PrepareUploadRequest, pin string) (*types.PrepareUploadResponse, error) {
	if host == "" || request == nil {
		return nil, fmt.Errorf("invalid parameters: host and request must not be empty")
	}

	payload, err := sonic.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prepare-upload request: %v", err)
	}

	url := tool.BuildPrepareUploadURL(host, remote, pin)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create prepare-upload request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := tool.NewHTTPClient(remote.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return nil, faults.Network("transfer", "prepare-upload", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.logger.Warnf("[Transfer] Failed to read prepare-upload response body: %v", readErr)
	}

	switch resp.StatusCode {
	case StatusFinishedNoTransfer:
		c.logger.Infof("[Transfer] Prepare-upload finished with no transfer needed for %s", url)
		return nil, nil
	case http.StatusOK:
		if len(body) == 0 {
			return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("response body is empty"))
		}
		var response types.PrepareUploadResponse
		if err := sonic.Unmarshal(body, &response); err != nil {
			return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("failed to parse response: %v", err))
		}
		if response.SessionId == "" {
			return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("response missing sessionId"))
		}
		if len(response.Files) == 0 {
			return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("response missing files"))
		}
		return &response, nil
	case StatusInvalidBody:
		return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("invalid body"))
	case StatusPinRequiredOrInvalid:
		return nil, faults.Security("transfer", "prepare-upload", fmt.Errorf("pin required or invalid"))
	case StatusRejected:
		return nil, faults.Security("transfer", "prepare-upload", fmt.Errorf("receiver rejected the request"))
	case StatusBlockedByOtherSession:
		return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("blocked by another session"))
	case StatusTooManyRequests:
		// Flow control, not a verdict. The engine may try again later.
		return nil, faults.Network("transfer", "prepare-upload", fmt.Errorf("too many requests"))
	default:
		if resp.StatusCode >= 500 {
			return nil, faults.Network("transfer", "prepare-upload", fmt.Errorf("receiver error: %s", resp.Status))
		}
		return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

// PrepareDownload asks a sharing peer for the files it offers. The
// returned offer carries the peer's session id; pulls and resume state
// are keyed under it.
func (c *Client) PrepareDownload(ctx context.Context, host string, remote types.Device, pin string) (*types.PrepareDownloadResponse, error) {
	if host == "" {
		return nil, fmt.Errorf("invalid parameters: host must not be empty")
	}

	url := tool.BuildPrepareDownloadURL(host, remote, pin)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create prepare-download request: %v", err)
	}

	client := tool.NewHTTPClient(remote.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return nil, faults.Network("transfer", "prepare-download", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.logger.Warnf("[Transfer] Failed to read prepare-download response body: %v", readErr)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var offer types.PrepareDownloadResponse
		if err := sonic.Unmarshal(body, &offer); err != nil {
			return nil, faults.Protocol("transfer", "prepare-download", fmt.Errorf("failed to parse offer: %v", err))
		}
		if err := offer.Validate(); err != nil {
			return nil, faults.Protocol("transfer", "prepare-download", err)
		}
		return &offer, nil
	case StatusPinRequiredOrInvalid:
		return nil, faults.Security("transfer", "prepare-download", fmt.Errorf("pin required or invalid"))
	case StatusRejected:
		return nil, faults.Security("transfer", "prepare-download", fmt.Errorf("source rejected the request"))
	case StatusNotFound:
		return nil, faults.Protocol("transfer", "prepare-download", fmt.Errorf("source offers nothing"))
	case StatusTooManyRequests:
		return nil, faults.Network("transfer", "prepare-download", fmt.Errorf("too many requests"))
	default:
		if resp.StatusCode >= 500 {
			return nil, faults.Network("transfer", "prepare-download", fmt.Errorf("source error: %s", resp.Status))
		}
		return nil, faults.Protocol("transfer", "prepare-download", fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

// FetchChunk GETs one byte range of an offered file and hands the body
// to the caller. A negative end skips the Range header entirely. The
// ranged return is false when the source answered with the whole file;
// that only counts as success for a fetch starting at byte zero.
func (c *Client) FetchChunk(ctx context.Context, host string, remote types.Device, sessionID, fileID string, offset, end int64) (io.ReadCloser, bool, error) {
	url := tool.BuildDownloadURL(host, remote, sessionID, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create download request: %v", err)
	}
	if end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))
	}

	client := tool.NewHTTPClient(remote.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, faults.Network("transfer", "download chunk", err)
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, true, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			resp.Body.Close()
			return nil, false, faults.Protocol("transfer", "download chunk",
				fmt.Errorf("source ignored the requested range at offset %d", offset))
		}
		return resp.Body, false, nil
	}

	resp.Body.Close()
	switch {
	case resp.StatusCode == StatusRejected:
		return nil, false, faults.Security("transfer", "download chunk", fmt.Errorf("session rejected"))
	case resp.StatusCode == StatusNotFound:
		return nil, false, faults.Protocol("transfer", "download chunk", fmt.Errorf("unknown session or file"))
	case resp.StatusCode == StatusTooManyRequests:
		return nil, false, faults.Network("transfer", "download chunk", fmt.Errorf("too many requests"))
	case resp.StatusCode >= 500:
		return nil, false, faults.Network("transfer", "download chunk", fmt.Errorf("source error: %s", resp.Status))
	default:
		return nil, false, faults.Protocol("transfer", "download chunk", fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

// Chunk is one slice of a file on its way out. Ranged chunks carry a
// Content-Range header; an unranged chunk is the whole file in one body.
type Chunk struct {
	Data     []byte
	Offset   int64
	Total    int64
	Ranged   bool
	Compress bool
}

// UploadChunk ships one chunk. The body is gzipped when the active
// policy calls for it.
func (c *Client) UploadChunk(ctx context.Context, host string, remote types.Device, sessionID, fileID, token string, chunk Chunk) error {
	body := chunk.Data
	if chunk.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(chunk.Data); err != nil {
			return faults.Filesystem("transfer", "compress chunk", err)
		}
		if err := zw.Close(); err != nil {
			return faults.Filesystem("transfer", "compress chunk", err)
		}
		body = buf.Bytes()
	}

	url := tool.BuildUploadURL(host, remote, sessionID, fileID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if chunk.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if chunk.Ranged {
		end := chunk.Offset + int64(len(chunk.Data)) - 1
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, end, chunk.Total))
	}

	client := tool.NewHTTPClient(remote.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return faults.Network("transfer", "upload chunk", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == StatusRejected:
		return faults.Security("transfer", "upload chunk", fmt.Errorf("token rejected"))
	case resp.StatusCode == StatusNotFound:
		return faults.Protocol("transfer", "upload chunk", fmt.Errorf("unknown session or file"))
	case resp.StatusCode == StatusBlockedByOtherSession:
		return faults.Protocol("transfer", "upload chunk", fmt.Errorf("chunk conflicts with receiver state"))
	case resp.StatusCode == StatusTooManyRequests:
		return faults.Network("transfer", "upload chunk", fmt.Errorf("too many requests"))
	case resp.StatusCode >= 500:
		return faults.Network("transfer", "upload chunk", fmt.Errorf("receiver error: %s", resp.Status))
	default:
		return faults.Protocol("transfer", "upload chunk", fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

// CancelSession tells the receiver to drop the session. Best effort:
// the receiver treats a repeat cancel as success, so does the sender.
func (c *Client) CancelSession(ctx context.Context, host string, remote types.Device, sessionID string) error {
	url := tool.BuildCancelURL(host, remote, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %v", err)
	}

	client := tool.NewHTTPClient(remote.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return faults.Network("transfer", "cancel", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return faults.Protocol("transfer", "cancel", fmt.Errorf("unexpected status: %s", resp.Status))
	}
	return nil
}
