package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// inbound is one running pull: the source it fetches from and the files
// still moving. Session state itself lives in the receive manager.
type inbound struct {
	source Target
	cancel context.CancelFunc
	files  []*inboundFile
	done   chan struct{}
}

type inboundFile struct {
	info   types.FileInfo
	token  string
	offset int64
}

// StartDownload asks the source for its offered files and pulls the
// requested ones through the receive manager, which owns the part
// files, the watermark, and the history rows. An empty fileIDs slice
// takes everything offered. The returned batch snapshots the accepted
// files; ctx cancels the negotiation and the pulls behind it. A pull
// interrupted by ctx keeps its checkpoints so the next run resumes.
func (e *Engine) StartDownload(ctx context.Context, source Target, fileIDs []string) (*Batch, error) {
	if e.manager == nil {
		return nil, fmt.Errorf("no receive manager wired")
	}
	if source.Address == "" {
		return nil, fmt.Errorf("source address is empty")
	}

	offer, err := e.client.PrepareDownload(ctx, source.Address, source.Device, source.PIN)
	if err != nil {
		e.reporter.Report(faults.KindOf(err), faults.SeverityError, "transfer",
			fmt.Sprintf("prepare-download from %s failed", source.Device.Alias), err)
		return nil, err
	}

	wanted := offer.Files
	if len(fileIDs) > 0 {
		wanted = make(map[string]types.FileInfo, len(fileIDs))
		for _, id := range fileIDs {
			info, ok := offer.Files[id]
			if !ok {
				return nil, faults.Protocol("transfer", "prepare-download",
					fmt.Errorf("source does not offer file %s", id))
			}
			wanted[id] = info
		}
	}

	// The offer's device record is authoritative for identity; the
	// caller still decides how to reach it.
	peer := offer.Info
	peer.Port = source.Device.Port
	peer.Protocol = source.Device.Protocol
	source.Device = peer

	accepted, err := e.manager.PrepareDownload(source.Device, source.Address, offer.SessionId, wanted)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	in := &inbound{source: source, cancel: cancel, done: make(chan struct{})}
	batch := &Batch{SessionID: offer.SessionId, Files: make([]session.Info, 0, len(accepted))}
	for _, pf := range accepted {
		in.files = append(in.files, &inboundFile{info: pf.Info, token: pf.Token, offset: pf.Offset})
		batch.Files = append(batch.Files, pf.Snapshot)
	}

	e.mu.Lock()
	e.pulls[offer.SessionId] = in
	e.mu.Unlock()

	go e.pull(runCtx, offer.SessionId, in)

	return batch, nil
}

func (e *Engine) pull(ctx context.Context, sessionID string, in *inbound) {
	defer close(in.done)
	defer in.cancel()

	condition, policy := e.prober.PolicyFor(in.source.Address)
	e.logger.Infof("[Transfer] Pull %s from %s starts under %s conditions (%d byte chunks, %d streams)",
		sessionID, in.source.Device.Alias, condition, policy.ChunkSize, policy.Concurrency)

	slots := make(chan struct{}, policy.Concurrency)
	var wg sync.WaitGroup
	for _, f := range in.files {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			e.pullFile(ctx, sessionID, in, f)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	delete(e.pulls, sessionID)
	e.mu.Unlock()
	e.logger.Infof("[Transfer] Pull %s finished", sessionID)
}

func (e *Engine) pullFile(ctx context.Context, sessionID string, in *inbound, f *inboundFile) {
	total := f.info.Size
	if total == 0 {
		// Zero-size files arrive as one empty unranged response.
		if _, err := e.fetchChunk(ctx, sessionID, in, f, 0, -1); err != nil {
			e.settlePull(ctx, sessionID, f, err)
		}
		return
	}

	if f.offset > 0 {
		e.logger.Infof("[Transfer] Resuming %s at byte %d", f.info.FileName, f.offset)
	}
	offset := f.offset
	for offset < total {
		// Leaving on ctx keeps checkpoints and part files in place; an
		// explicit CancelTransfer is what cleans them up.
		if ctx.Err() != nil {
			return
		}

		_, policy := e.prober.PolicyFor(in.source.Address)
		size := policy.ChunkSize
		if remaining := total - offset; remaining < size {
			size = remaining
		}

		whole, err := e.fetchChunk(ctx, sessionID, in, f, offset, offset+size-1)
		if err != nil {
			e.settlePull(ctx, sessionID, f, err)
			return
		}
		if whole {
			// The source streamed the entire file in one body.
			return
		}
		offset += size
	}
}

// fetchChunk pulls one range with bounded retries and hands the body to
// the receive manager. Retrying the same range is safe: the manager
// rolled an interrupted copy back to its watermark.
func (e *Engine) fetchChunk(ctx context.Context, sessionID string, in *inbound, f *inboundFile, offset, end int64) (bool, error) {
	for attempt := 0; ; attempt++ {
		chunkCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		whole, err := e.fetchOnce(chunkCtx, sessionID, in, f, offset, end)
		cancel()
		if err == nil {
			return whole, nil
		}
		if ctx.Err() != nil {
			return false, faults.Cancelled("transfer", "download chunk", ctx.Err())
		}
		if !faults.Retryable(err) || attempt >= e.cfg.MaxRetries {
			return false, err
		}

		backoff := e.cfg.RetryBackoff << attempt
		e.logger.Warnf("[Transfer] Range at %d of %s failed (attempt %d/%d), retrying in %s: %v",
			offset, f.info.FileName, attempt+1, e.cfg.MaxRetries, backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, faults.Cancelled("transfer", "download chunk", ctx.Err())
		case <-timer.C:
		}
	}
}

func (e *Engine) fetchOnce(ctx context.Context, sessionID string, in *inbound, f *inboundFile, offset, end int64) (bool, error) {
	body, ranged, err := e.client.FetchChunk(ctx, in.source.Address, in.source.Device, sessionID, f.info.ID, offset, end)
	if err != nil {
		return false, err
	}
	defer body.Close()

	var chunk *session.ByteRange
	if ranged {
		chunk = &session.ByteRange{Start: offset, End: end, Total: f.info.Size}
	}
	if err := e.manager.Receive(sessionID, f.info.ID, f.token, in.source.Address, chunk, body); err != nil {
		return false, err
	}
	return !ranged, nil
}

// settlePull routes a pull error into the manager so the session, its
// events, and the history row end consistently. Cancellation is not a
// failure; the manager already reported faults from its own copy path.
func (e *Engine) settlePull(ctx context.Context, sessionID string, f *inboundFile, err error) {
	if ctx.Err() != nil || faults.KindOf(err) == faults.KindCancellation {
		return
	}
	if aerr := e.manager.Abort(sessionID, f.info.ID, err); aerr != nil {
		e.logger.Warnf("[Transfer] Pull abort for %s: %v", f.info.FileName, aerr)
	}
}
