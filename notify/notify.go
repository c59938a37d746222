package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

// Notification is the webhook payload.
type Notification struct {
	Type    string         `json:"type,omitempty"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Config describes the webhook target.
type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

// Notifier posts transfer lifecycle notifications to a configured
// webhook. A nil Notifier discards everything, callers never need to
// guard their sends.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *log.Logger
}

// New validates the webhook target and builds a Notifier for it.
func New(cfg Config, logger *log.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notification URL cannot be empty")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %v", err)
	}
	protocol := parsed.Scheme
	if protocol == "" {
		protocol = "http"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if logger == nil {
		logger = log.Default()
	}
	client := tool.NewHTTPClient(protocol)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return &Notifier{cfg: cfg, client: client, logger: logger}, nil
}

// Send posts one notification. A nil notification sends an empty JSON
// object.
func (n *Notifier) Send(notification *Notification) error {
	if n == nil {
		return nil
	}

	payload := []byte("{}")
	if notification != nil {
		var err error
		payload, err = sonic.Marshal(notification)
		if err != nil {
			return fmt.Errorf("failed to serialize notification data: %v", err)
		}
	}

	req, err := http.NewRequest(n.cfg.Method, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		n.logger.Debugf("[Notify] failed to read response body: %v", readErr)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notification send failed, HTTP status code: %d, response: %s", resp.StatusCode, string(body))
	}

	if notification != nil {
		n.logger.Debugf("[Notify] sent %s to %s", notification.Type, n.cfg.URL)
	}
	return nil
}

// Pump drains a transfer event stream into the webhook until the
// context ends or the channel closes. Progress events are skipped, a
// webhook per chunk would drown the receiver.
func (n *Notifier) Pump(ctx context.Context, events <-chan session.Event) {
	if n == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == session.EventProgress {
				continue
			}
			if err := n.Send(fromEvent(event)); err != nil {
				n.logger.Errorf("[Notify] %v", err)
			}
		}
	}
}

func fromEvent(event session.Event) *Notification {
	info := event.Info
	notification := &Notification{
		Data: map[string]any{
			"sessionId": info.SessionID,
			"fileId":    info.FileID,
			"fileName":  info.FileName,
			"size":      info.TotalBytes,
			"status":    info.Status,
		},
	}
	switch event.Type {
	case session.EventPrepared:
		notification.Type = "upload_start"
		notification.Title = "Upload Started"
		notification.Message = fmt.Sprintf("File upload started: sessionId=%s, fileId=%s", info.SessionID, info.FileID)
	case session.EventCompleted:
		notification.Type = "upload_end"
		notification.Title = "Upload Completed"
		notification.Message = fmt.Sprintf("File upload completed: sessionId=%s, fileId=%s", info.SessionID, info.FileID)
	case session.EventFailed:
		notification.Type = "upload_failed"
		notification.Title = "Upload Failed"
		notification.Message = fmt.Sprintf("File upload failed: sessionId=%s, fileId=%s, cause=%s", info.SessionID, info.FileID, info.Failure)
		notification.Data["failure"] = info.Failure
	case session.EventCancelled:
		notification.Type = "upload_cancelled"
		notification.Title = "Upload Cancelled"
		notification.Message = fmt.Sprintf("File upload cancelled: sessionId=%s, fileId=%s", info.SessionID, info.FileID)
	default:
		notification.Type = "upload_event"
		notification.Title = "Upload Event"
		notification.Message = fmt.Sprintf("Upload event: sessionId=%s, fileId=%s", info.SessionID, info.FileID)
	}
	return notification
}
