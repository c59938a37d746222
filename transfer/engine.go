// Package transfer drives the sending side: it negotiates an upload
// with a receiver, streams each file in policy-sized chunks and keeps
// the per-file state machines observable while bytes move.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/progress"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// Config tunes the sending engine.
type Config struct {
	// Self is the device record announced in prepare-upload requests.
	Self types.Device

	// ChunkTimeout bounds one chunk round trip including retryable
	// receiver hiccups inside it. Zero means 30 seconds.
	ChunkTimeout time.Duration

	// MaxRetries caps how often a retryable chunk failure is retried
	// before the file fails. Zero means 3.
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	// Zero means 500ms.
	RetryBackoff time.Duration

	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// Target is the receiver of one upload batch.
type Target struct {
	Device  types.Device
	Address string
	PIN     string
}

// Batch is the accepted slice of a negotiation: one session, the files
// the receiver agreed to take.
type Batch struct {
	SessionID string
	Files     []session.Info
}

// Engine runs outbound transfers. Progress is published on Events;
// StartUpload returns as soon as the byte stream is underway.
type Engine struct {
	cfg      Config
	logger   *log.Logger
	client   *Client
	prober   *netprobe.Prober
	tracker  *progress.Tracker
	reporter *faults.Reporter
	store    session.Store
	manager  *session.Manager

	events chan session.Event

	mu     sync.Mutex
	active map[string]*outbound
	pulls  map[string]*inbound
}

type outbound struct {
	target Target
	cancel context.CancelFunc
	files  []*outboundFile
	done   chan struct{}
}

type outboundFile struct {
	file    OutboundFile
	token   string
	session *session.Session
}

// NewEngine wires a sending engine. A nil prober still sends, it just
// never leaves the unknown-condition floor policy. The manager receives
// pulled files; nil disables StartDownload.
func NewEngine(cfg Config, logger *log.Logger, prober *netprobe.Prober, tracker *progress.Tracker, reporter *faults.Reporter, store session.Store, manager *session.Manager) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = tool.DefaultLogger
	}
	if prober == nil {
		prober = netprobe.New(netprobe.DefaultTable(), nil)
	}
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	if reporter == nil {
		reporter = faults.NewReporter(logger)
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		client:   NewClient(logger),
		prober:   prober,
		tracker:  tracker,
		reporter: reporter,
		store:    store,
		manager:  manager,
		events:   make(chan session.Event, cfg.EventBuffer),
		active:   make(map[string]*outbound),
		pulls:    make(map[string]*inbound),
	}
}

// Events exposes the outbound lifecycle stream. Delivery is best-effort.
func (e *Engine) Events() <-chan session.Event {
	return e.events
}

func (e *Engine) Tracker() *progress.Tracker {
	return e.tracker
}

// StartUpload describes the given paths, negotiates them with the
// target and starts streaming the accepted ones. The returned batch
// snapshots the accepted files; ctx cancels both the negotiation and
// the transfer behind it.
func (e *Engine) StartUpload(ctx context.Context, target Target, paths []string) (*Batch, error) {
	if target.Address == "" {
		return nil, fmt.Errorf("target address is empty")
	}
	files, err := DescribeFiles(paths)
	if err != nil {
		return nil, faults.Filesystem("transfer", "describe files", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to send")
	}

	request := &types.PrepareUploadRequest{
		Info:  e.cfg.Self,
		Files: make(map[string]types.FileInfo, len(files)),
	}
	for _, file := range files {
		request.Files[file.Info.ID] = file.Info
	}

	response, err := e.client.PrepareUpload(ctx, target.Address, target.Device, request, target.PIN)
	if err != nil {
		e.reporter.Report(faults.KindOf(err), faults.SeverityError, "transfer",
			fmt.Sprintf("prepare-upload to %s failed", target.Device.Alias), err)
		return nil, err
	}
	if response == nil {
		// Receiver wants nothing from this batch.
		return &Batch{}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := &outbound{target: target, cancel: cancel, done: make(chan struct{})}
	for _, file := range files {
		token, ok := response.Files[file.Info.ID]
		if !ok || token == "" {
			e.logger.Infof("[Transfer] Receiver declined %s", file.Info.FileName)
			continue
		}
		s := session.New(response.SessionId, file.Info.ID, file.Info.FileName, file.Info.Size)
		e.tracker.Register(opID(response.SessionId, file.Info.ID), file.Info.FileName, float64(file.Info.Size))
		out.files = append(out.files, &outboundFile{file: file, token: token, session: s})
	}
	if len(out.files) == 0 {
		cancel()
		return nil, faults.Protocol("transfer", "prepare-upload", fmt.Errorf("receiver declined every file"))
	}

	e.mu.Lock()
	e.active[response.SessionId] = out
	e.mu.Unlock()

	go e.run(runCtx, response.SessionId, out)

	batch := &Batch{SessionID: response.SessionId, Files: make([]session.Info, 0, len(out.files))}
	for _, of := range out.files {
		batch.Files = append(batch.Files, of.session.Snapshot())
	}
	return batch, nil
}

// CancelTransfer stops an outbound or pulled session. In-flight chunks
// are abandoned at the next boundary; for uploads the receiver is told
// best-effort, for pulls the receive manager drops its resume state.
func (e *Engine) CancelTransfer(sessionID string) error {
	e.mu.Lock()
	out := e.active[sessionID]
	in := e.pulls[sessionID]
	e.mu.Unlock()

	if out != nil {
		out.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.client.CancelSession(ctx, out.target.Address, out.target.Device, sessionID); err != nil {
			e.logger.Warnf("[Transfer] Cancel notification for %s failed: %v", sessionID, err)
		}
		return nil
	}
	if in != nil {
		in.cancel()
		if err := e.manager.Cancel(sessionID); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			e.logger.Warnf("[Transfer] Pull cancel for %s failed: %v", sessionID, err)
		}
		return nil
	}
	return session.ErrUnknownSession
}

// Wait blocks until the session's files are all terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	out := e.active[sessionID]
	in := e.pulls[sessionID]
	e.mu.Unlock()

	var done chan struct{}
	switch {
	case out != nil:
		done = out.done
	case in != nil:
		done = in.done
	default:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions snapshots every outbound file still tracked by the engine.
func (e *Engine) Sessions() []session.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	var infos []session.Info
	for _, out := range e.active {
		for _, of := range out.files {
			infos = append(infos, of.session.Snapshot())
		}
	}
	return infos
}

func (e *Engine) run(ctx context.Context, sessionID string, out *outbound) {
	defer close(out.done)
	defer out.cancel()

	condition, policy := e.prober.PolicyFor(out.target.Address)
	e.logger.Infof("[Transfer] Session %s to %s starts under %s conditions (%d byte chunks, %d streams)",
		sessionID, out.target.Device.Alias, condition, policy.ChunkSize, policy.Concurrency)

	// Concurrency is a batch-level dial; chunk size re-adapts per chunk.
	slots := make(chan struct{}, policy.Concurrency)
	var wg sync.WaitGroup
	for _, of := range out.files {
		of := of
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			e.sendFile(ctx, sessionID, out, of)
		}()
	}
	wg.Wait()

	if e.store != nil {
		if err := e.store.DeleteCheckpoints(sessionID); err != nil {
			e.logger.Warnf("[Transfer] checkpoint cleanup for %s failed: %v", sessionID, err)
		}
	}
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
	e.logger.Infof("[Transfer] Session %s finished", sessionID)
}

func (e *Engine) sendFile(ctx context.Context, sessionID string, out *outbound, of *outboundFile) {
	s := of.session
	if err := s.Transition(session.StatusActive); err != nil {
		return
	}
	e.emit(session.Event{Type: session.EventPrepared, Info: s.Snapshot()})

	if err := ctx.Err(); err != nil {
		e.cancelFile(sessionID, out, of)
		return
	}

	f, err := os.Open(of.file.Path)
	if err != nil {
		e.failFile(sessionID, out, of, faults.Filesystem("transfer", "open file", err))
		return
	}
	defer f.Close()

	total := of.file.Info.Size
	if total == 0 {
		// Zero-size files ship as one empty unranged request.
		if err := e.shipChunk(ctx, sessionID, out, of, Chunk{}); err != nil {
			e.settleFailure(ctx, sessionID, out, of, err)
			return
		}
		e.finishFile(sessionID, out, of)
		return
	}

	var offset int64
	var buf []byte
	for offset < total {
		if ctx.Err() != nil {
			e.cancelFile(sessionID, out, of)
			return
		}

		_, policy := e.prober.PolicyFor(out.target.Address)
		size := policy.ChunkSize
		if remaining := total - offset; remaining < size {
			size = remaining
		}
		if int64(cap(buf)) < size {
			buf = make([]byte, size)
		}
		chunk := buf[:size]
		if _, err := io.ReadFull(f, chunk); err != nil {
			e.failFile(sessionID, out, of, faults.Filesystem("transfer", "read chunk", err))
			return
		}

		// A file that fits one chunk goes as a plain whole body, the
		// way receivers without range support expect it.
		payload := Chunk{
			Data:     chunk,
			Offset:   offset,
			Total:    total,
			Ranged:   !(offset == 0 && size == total),
			Compress: policy.Compress,
		}
		if err := e.shipChunk(ctx, sessionID, out, of, payload); err != nil {
			e.settleFailure(ctx, sessionID, out, of, err)
			return
		}

		offset += size
		s.Advance(size)
		e.tracker.Update(opID(sessionID, of.file.Info.ID), s.Progress())
		e.emit(session.Event{Type: session.EventProgress, Info: s.Snapshot()})
		if e.store != nil {
			if err := e.store.SaveCheckpoint(sessionID, of.file.Info.ID, offset); err != nil {
				e.logger.Warnf("[Transfer] checkpoint save failed: %v", err)
			}
		}
	}
	e.finishFile(sessionID, out, of)
}

// shipChunk sends one chunk with bounded retries. The same bytes are
// resent on retry: the receiver's watermark absorbs rollbacks and
// byte-identical redelivery.
func (e *Engine) shipChunk(ctx context.Context, sessionID string, out *outbound, of *outboundFile, chunk Chunk) error {
	for attempt := 0; ; attempt++ {
		chunkCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		err := e.client.UploadChunk(chunkCtx, out.target.Address, out.target.Device, sessionID, of.file.Info.ID, of.token, chunk)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return faults.Cancelled("transfer", "upload chunk", ctx.Err())
		}
		if !faults.Retryable(err) || attempt >= e.cfg.MaxRetries {
			return err
		}

		backoff := e.cfg.RetryBackoff << attempt
		e.logger.Warnf("[Transfer] Chunk at %d of %s failed (attempt %d/%d), retrying in %s: %v",
			chunk.Offset, of.file.Info.FileName, attempt+1, e.cfg.MaxRetries, backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return faults.Cancelled("transfer", "upload chunk", ctx.Err())
		case <-timer.C:
		}
	}
}

// settleFailure routes a send error to cancelled or failed depending on
// whether the batch context ended it.
func (e *Engine) settleFailure(ctx context.Context, sessionID string, out *outbound, of *outboundFile, err error) {
	if ctx.Err() != nil || faults.KindOf(err) == faults.KindCancellation {
		e.cancelFile(sessionID, out, of)
		return
	}
	e.failFile(sessionID, out, of, err)
}

func (e *Engine) finishFile(sessionID string, out *outbound, of *outboundFile) {
	if err := of.session.Complete(); err != nil {
		return
	}
	e.tracker.Complete(opID(sessionID, of.file.Info.ID))
	e.emit(session.Event{Type: session.EventCompleted, Info: of.session.Snapshot()})
	e.record(sessionID, out, of)
	e.logger.Infof("[Transfer] Sent %s (%d bytes)", of.file.Info.FileName, of.file.Info.Size)
}

func (e *Engine) failFile(sessionID string, out *outbound, of *outboundFile, err error) {
	if !of.session.Fail(err) {
		return
	}
	e.tracker.Fail(opID(sessionID, of.file.Info.ID))

	var fault *faults.Fault
	if errors.As(err, &fault) {
		e.reporter.ReportFault(fault, fmt.Sprintf("sending %s failed", of.file.Info.FileName))
	} else {
		e.reporter.Report(faults.KindOf(err), faults.SeverityError, "transfer",
			fmt.Sprintf("sending %s failed", of.file.Info.FileName), err)
	}
	e.emit(session.Event{Type: session.EventFailed, Info: of.session.Snapshot()})
	e.record(sessionID, out, of)
}

func (e *Engine) cancelFile(sessionID string, out *outbound, of *outboundFile) {
	if !of.session.Cancel() {
		return
	}
	e.tracker.Remove(opID(sessionID, of.file.Info.ID))
	e.emit(session.Event{Type: session.EventCancelled, Info: of.session.Snapshot()})
	e.record(sessionID, out, of)
}

func (e *Engine) record(sessionID string, out *outbound, of *outboundFile) {
	if e.store == nil {
		return
	}
	snap := of.session.Snapshot()
	rec := session.TransferRecord{
		SessionID:   sessionID,
		FileID:      of.file.Info.ID,
		FileName:    of.file.Info.FileName,
		Peer:        out.target.Device.Alias,
		Direction:   "send",
		Status:      snap.Status,
		Size:        snap.TotalBytes,
		Transferred: snap.TransferredBytes,
		StartedAt:   snap.StartTime,
	}
	if snap.EndTime != nil {
		rec.FinishedAt = *snap.EndTime
	}
	if err := e.store.RecordTransfer(rec); err != nil {
		e.logger.Warnf("[Transfer] history write failed: %v", err)
	}
}

func (e *Engine) emit(event session.Event) {
	select {
	case e.events <- event:
	default:
	}
}

func opID(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}
