package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/pathsafe"
	"github.com/lebao3105/LocalTalk-sub002/progress"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// Sentinel errors carry the canonical wire messages, the HTTP layer maps
// them onto status codes.
var (
	ErrPinRequired     = errors.New("pin required")
	ErrInvalidPin      = errors.New("invalid pin")
	ErrRejected        = errors.New("rejected")
	ErrBlocked         = errors.New("blocked by another session")
	ErrTooManyRequests = errors.New("too many requests")
	ErrInvalidToken    = errors.New("Invalid token or IP address")
	ErrUnknownSession  = errors.New("unknown session")
	ErrUnknownFile     = errors.New("unknown file")
	ErrChunkConflict   = errors.New("conflicting byte range")
	ErrInvalidRange    = errors.New("invalid byte range")
)

const defaultSessionTTL = 3600 * time.Second

// checkpointRetention bounds how long a crashed transfer may wait for
// its restart before the vacuum drops its resume state.
const checkpointRetention = 7 * 24 * time.Hour

// ByteRange is the declared position of one chunk, inclusive on both
// ends. Total is 0 when the sender did not declare it.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

func (r ByteRange) len() int64 { return r.End - r.Start + 1 }

type EventType int

const (
	EventPrepared EventType = iota
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
)

// Event is published on session changes. Delivery is best-effort.
type Event struct {
	Type EventType
	Info Info
}

// Config tunes the receiving side.
type Config struct {
	UploadDir      string
	SessionFolders bool
	SessionTTL     time.Duration
	PIN            string
	Rules          pathsafe.Rules

	// Accept decides whether an incoming request is taken. Nil accepts
	// everything, returning ErrRejected declines it.
	Accept func(sender types.Device, files map[string]types.FileInfo) error
}

func (c Config) withDefaults() Config {
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.Rules.Separator == 0 {
		c.Rules = pathsafe.DefaultRules()
	}
	return c
}

// Exchange is one negotiated prepare-upload: a sender plus one Session
// per accepted file. Files is fixed after creation.
type Exchange struct {
	ID       string
	Sender   types.Device
	SenderIP string
	Files    map[string]*FileTransfer
	Created  time.Time
}

// FileTransfer couples a Session with its chunk ledger and disk state.
// Chunk writes for one file are serialized through mu, different files
// proceed in parallel.
type FileTransfer struct {
	mu      sync.Mutex
	Session *Session
	Info    types.FileInfo
	Token   string

	path     string
	partPath string
	resume   int64
	handle   *os.File
	chunks   map[int64]chunkRecord
}

// chunkRecord remembers an applied chunk so byte-identical re-delivery
// stays an idempotent no-op, even after completion.
type chunkRecord struct {
	end int64
	sum [sha256.Size]byte
}

// Manager owns every receiving exchange. Liveness runs through a TTL
// cache, the data itself stays in a plain map until vacuumed.
type Manager struct {
	cfg      Config
	logger   *log.Logger
	tracker  *progress.Tracker
	reporter *faults.Reporter
	store    Store

	live *ttlworker.Cache[string, bool]

	mu        sync.Mutex
	exchanges map[string]*Exchange
	bySender  map[string]string

	events chan Event
	now    func() time.Time
}

func NewManager(cfg Config, logger *log.Logger, tracker *progress.Tracker, reporter *faults.Reporter, store Store) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = tool.DefaultLogger
	}
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	if reporter == nil {
		reporter = faults.NewReporter(logger)
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		tracker:   tracker,
		reporter:  reporter,
		store:     store,
		live:      ttlworker.NewCache[string, bool](cfg.SessionTTL),
		exchanges: make(map[string]*Exchange),
		bySender:  make(map[string]string),
		events:    make(chan Event, 64),
		now:       time.Now,
	}
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) Tracker() *progress.Tracker {
	return m.tracker
}

// Prepare validates an upload request, screens every file name and
// issues the session with per-file tokens. Unsafe names are dropped from
// the accepted set and audited.
func (m *Manager) Prepare(req *types.PrepareUploadRequest, pin, senderIP string) (*types.PrepareUploadResponse, error) {
	if m.cfg.PIN != "" {
		switch pin {
		case m.cfg.PIN:
		case "":
			return nil, ErrPinRequired
		default:
			return nil, ErrInvalidPin
		}
	}
	if err := req.Validate(); err != nil {
		return nil, faults.Protocol("session", "prepare", err)
	}
	if m.cfg.Accept != nil {
		if err := m.cfg.Accept(req.Info, req.Files); err != nil {
			return nil, err
		}
	}

	sessionID := tool.GenerateRandomUUID()
	files := make(map[string]*FileTransfer, len(req.Files))
	tokens := make(map[string]string, len(req.Files))
	for fileID, info := range req.Files {
		risk, issues := pathsafe.Validate(info.FileName, m.cfg.Rules)
		if risk == pathsafe.RiskHigh {
			fault := faults.Security("session", "screen file name",
				fmt.Errorf("%s: %s", info.FileName, strings.Join(issues, "; ")))
			m.reporter.ReportFault(fault, "rejected unsafe file name")
			continue
		}
		if info.ID == "" {
			info.ID = fileID
		}
		token := tool.GenerateRandomUUID()
		files[fileID] = &FileTransfer{
			Session: New(sessionID, fileID, info.FileName, info.Size),
			Info:    info,
			Token:   token,
			chunks:  make(map[int64]chunkRecord),
		}
		tokens[fileID] = token
	}
	if len(files) == 0 {
		return nil, ErrRejected
	}

	exchange := &Exchange{
		ID:       sessionID,
		Sender:   req.Info,
		SenderIP: senderIP,
		Files:    files,
		Created:  m.now(),
	}

	m.mu.Lock()
	if active, ok := m.bySender[req.Info.Fingerprint]; ok && req.Info.Fingerprint != "" {
		m.mu.Unlock()
		m.logger.Warnf("[Prepare] %s already holds session %s", req.Info.Alias, active)
		return nil, ErrBlocked
	}
	m.exchanges[sessionID] = exchange
	if req.Info.Fingerprint != "" {
		m.bySender[req.Info.Fingerprint] = sessionID
	}
	m.mu.Unlock()

	m.live.Set(sessionID, true)
	for fileID, ft := range files {
		m.tracker.Register(opID(sessionID, fileID), ft.Info.FileName, float64(ft.Info.Size))
		m.emit(Event{Type: EventPrepared, Info: ft.Session.Snapshot()})
	}
	m.logger.Infof("[Prepare] session %s for %s, %d of %d files accepted",
		sessionID, req.Info.Alias, len(files), len(req.Files))

	return &types.PrepareUploadResponse{SessionId: sessionID, Files: tokens}, nil
}

// PullFile is one accepted file of a pull exchange: its wire metadata,
// the token Receive expects, and the watermark a surviving part file
// seeded. Offset is zero for a file starting fresh.
type PullFile struct {
	Info     types.FileInfo
	Token    string
	Offset   int64
	Snapshot Info
}

// PrepareDownload registers a pull exchange under the session id the
// sharing peer issued. Keeping the remote id is what lets a restarted
// pull find its checkpoints and part files again. File screening
// matches Prepare; a source already holding a live exchange is blocked.
func (m *Manager) PrepareDownload(source types.Device, sourceIP, sessionID string, offered map[string]types.FileInfo) (map[string]PullFile, error) {
	if sessionID == "" {
		return nil, faults.Protocol("session", "prepare-download", fmt.Errorf("source issued no session id"))
	}
	if len(offered) == 0 {
		return nil, faults.Protocol("session", "prepare-download", fmt.Errorf("source offers no files"))
	}

	files := make(map[string]*FileTransfer, len(offered))
	for fileID, info := range offered {
		risk, issues := pathsafe.Validate(info.FileName, m.cfg.Rules)
		if risk == pathsafe.RiskHigh {
			fault := faults.Security("session", "screen file name",
				fmt.Errorf("%s: %s", info.FileName, strings.Join(issues, "; ")))
			m.reporter.ReportFault(fault, "rejected unsafe file name")
			continue
		}
		if info.ID == "" {
			info.ID = fileID
		}
		ft := &FileTransfer{
			Session: New(sessionID, fileID, info.FileName, info.Size),
			Info:    info,
			Token:   tool.GenerateRandomUUID(),
			chunks:  make(map[int64]chunkRecord),
		}
		ft.resume = m.resumeOffset(sessionID, ft)
		files[fileID] = ft
	}
	if len(files) == 0 {
		return nil, ErrRejected
	}

	exchange := &Exchange{
		ID:       sessionID,
		Sender:   source,
		SenderIP: sourceIP,
		Files:    files,
		Created:  m.now(),
	}

	m.mu.Lock()
	if _, ok := m.exchanges[sessionID]; ok {
		m.mu.Unlock()
		m.logger.Warnf("[Pull] session %s is already being pulled", sessionID)
		return nil, ErrBlocked
	}
	if active, ok := m.bySender[source.Fingerprint]; ok && source.Fingerprint != "" {
		m.mu.Unlock()
		m.logger.Warnf("[Pull] %s already holds session %s", source.Alias, active)
		return nil, ErrBlocked
	}
	m.exchanges[sessionID] = exchange
	if source.Fingerprint != "" {
		m.bySender[source.Fingerprint] = sessionID
	}
	m.mu.Unlock()

	m.live.Set(sessionID, true)
	pulls := make(map[string]PullFile, len(files))
	for fileID, ft := range files {
		m.tracker.Register(opID(sessionID, fileID), ft.Info.FileName, float64(ft.Info.Size))
		m.emit(Event{Type: EventPrepared, Info: ft.Session.Snapshot()})
		pulls[fileID] = PullFile{Info: ft.Info, Token: ft.Token, Offset: ft.resume, Snapshot: ft.Session.Snapshot()}
	}
	m.logger.Infof("[Pull] session %s from %s, %d of %d files accepted",
		sessionID, source.Alias, len(files), len(offered))
	return pulls, nil
}

// resumeOffset reports where a pull may continue: a checkpoint left by
// an earlier run whose part file still holds exactly that many bytes.
// Anything less consistent starts the file over.
func (m *Manager) resumeOffset(sessionID string, ft *FileTransfer) int64 {
	if m.store == nil {
		return 0
	}
	offset, err := m.store.Checkpoint(sessionID, ft.Info.ID)
	if err != nil || offset <= 0 || offset >= ft.Info.Size {
		return 0
	}
	fi, err := os.Stat(m.partPath(sessionID, ft))
	if err != nil || fi.Size() != offset {
		return 0
	}
	return offset
}

// Abort fails one file of an exchange from the driving side, for pulls
// whose fetch gave up outside the manager's copy path.
func (m *Manager) Abort(sessionID, fileID string, cause error) error {
	m.mu.Lock()
	exchange := m.exchanges[sessionID]
	m.mu.Unlock()
	if exchange == nil {
		return ErrUnknownSession
	}
	ft, ok := exchange.Files[fileID]
	if !ok {
		return ErrUnknownFile
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	var fault *faults.Fault
	if !errors.As(cause, &fault) {
		fault = faults.New(faults.KindOf(cause), "session", "pull", cause)
	}
	m.failFileLocked(exchange, ft, fault)
	return nil
}

// Receive applies one upload request. A nil chunk means the sender
// streamed the whole file in a single body.
func (m *Manager) Receive(sessionID, fileID, token, remoteIP string, chunk *ByteRange, body io.Reader) error {
	if !m.live.Get(sessionID) {
		return ErrUnknownSession
	}
	m.mu.Lock()
	exchange := m.exchanges[sessionID]
	m.mu.Unlock()
	if exchange == nil {
		return ErrUnknownSession
	}
	ft, ok := exchange.Files[fileID]
	if !ok {
		return ErrUnknownFile
	}
	if ft.Token != token {
		return ErrInvalidToken
	}
	if remoteIP != "" && exchange.SenderIP != "" && remoteIP != exchange.SenderIP {
		return ErrInvalidToken
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if err := m.receiveLocked(exchange, ft, chunk, body); err != nil {
		return err
	}
	m.live.Set(sessionID, true)
	return nil
}

func (m *Manager) receiveLocked(ex *Exchange, ft *FileTransfer, chunk *ByteRange, body io.Reader) error {
	switch status := ft.Session.Status(); status {
	case StatusCompleted:
		return m.redeliverLocked(ft, chunk, body)
	case StatusFailed, StatusCancelled:
		return fmt.Errorf("session %s is %s", ex.ID, status)
	case StatusPending:
		if err := m.openLocked(ex, ft); err != nil {
			return err
		}
	}

	watermark := ft.Session.Transferred()
	if chunk == nil {
		if watermark != 0 {
			return ErrChunkConflict
		}
		return m.appendLocked(ex, ft, 0, -1, body)
	}

	if chunk.Start < 0 || chunk.End < chunk.Start {
		return ErrInvalidRange
	}
	if chunk.Total > 0 && chunk.Total != ft.Info.Size {
		return ErrInvalidRange
	}
	if chunk.End >= ft.Info.Size {
		return ErrInvalidRange
	}

	switch {
	case chunk.Start == watermark:
		return m.appendLocked(ex, ft, chunk.Start, chunk.len(), body)
	case chunk.Start < watermark:
		return m.redeliverLocked(ft, chunk, body)
	}
	return fmt.Errorf("%w: offset %d ahead of watermark %d", ErrChunkConflict, chunk.Start, watermark)
}

// targetPath is where the finished file will be published.
func (m *Manager) targetPath(sessionID string, ft *FileTransfer) string {
	dir := m.cfg.UploadDir
	if m.cfg.SessionFolders {
		dir = filepath.Join(dir, sessionID)
	}
	return filepath.Join(dir, pathsafe.SafeFileName(ft.Info.FileName, m.cfg.Rules))
}

// partPath is deterministic for a given session and file so a restarted
// pull finds the bytes its checkpoint refers to.
func (m *Manager) partPath(sessionID string, ft *FileTransfer) string {
	return fmt.Sprintf("%s.%s.part", m.targetPath(sessionID, ft), shortID(sessionID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// openLocked creates the part file on first contact, or reopens a
// surviving one when the exchange carries a resume watermark.
func (m *Manager) openLocked(ex *Exchange, ft *FileTransfer) error {
	if err := ft.Session.Transition(StatusInitializing); err != nil {
		return err
	}

	ft.path = m.targetPath(ex.ID, ft)
	ft.partPath = m.partPath(ex.ID, ft)
	if err := os.MkdirAll(filepath.Dir(ft.path), 0o755); err != nil {
		fault := faults.Filesystem("session", "create upload dir", err)
		m.failFileLocked(ex, ft, fault)
		return fault
	}

	if ft.resume > 0 {
		handle, err := os.OpenFile(ft.partPath, os.O_WRONLY, 0o644)
		if err != nil {
			fault := faults.Filesystem("session", "reopen part file", err)
			m.failFileLocked(ex, ft, fault)
			return fault
		}
		if _, err := handle.Seek(ft.resume, io.SeekStart); err != nil {
			handle.Close()
			fault := faults.Filesystem("session", "seek part file", err)
			m.failFileLocked(ex, ft, fault)
			return fault
		}
		if _, err := ft.Session.Advance(ft.resume); err != nil {
			handle.Close()
			fault := faults.Protocol("session", "seed watermark", err)
			m.failFileLocked(ex, ft, fault)
			return fault
		}
		ft.handle = handle
		m.tracker.Update(opID(ex.ID, ft.Info.ID), ft.Session.Progress())
		m.logger.Infof("[Pull] resuming %s at byte %d", ft.Info.FileName, ft.resume)
		return ft.Session.Transition(StatusActive)
	}

	handle, err := os.OpenFile(ft.partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		fault := faults.Filesystem("session", "create part file", err)
		m.failFileLocked(ex, ft, fault)
		return fault
	}
	ft.handle = handle

	return ft.Session.Transition(StatusActive)
}

// appendLocked writes one chunk at the watermark. want is the declared
// chunk length, -1 for a whole-body upload. An interrupted copy rolls
// the part file back to the watermark so the sender can retry the chunk.
func (m *Manager) appendLocked(ex *Exchange, ft *FileTransfer, offset, want int64, body io.Reader) error {
	chunkHash := sha256.New()
	written, err := io.Copy(io.MultiWriter(ft.handle, chunkHash), body)
	if err != nil {
		if rerr := m.rollbackLocked(ft, offset); rerr != nil {
			fault := faults.Filesystem("session", "rewind part file", rerr)
			m.failFileLocked(ex, ft, fault)
			return fault
		}
		return faults.Network("session", "read chunk", err)
	}
	if want >= 0 && written != want {
		fault := faults.Protocol("session", "write chunk",
			fmt.Errorf("declared %d bytes, got %d", want, written))
		m.failFileLocked(ex, ft, fault)
		return errors.New("size mismatch")
	}
	if want < 0 && written != ft.Info.Size {
		fault := faults.Protocol("session", "write body",
			fmt.Errorf("declared %d bytes, got %d", ft.Info.Size, written))
		m.failFileLocked(ex, ft, fault)
		return errors.New("size mismatch")
	}

	var sum [sha256.Size]byte
	copy(sum[:], chunkHash.Sum(nil))
	ft.chunks[offset] = chunkRecord{end: offset + written, sum: sum}

	total, err := ft.Session.Advance(written)
	if err != nil {
		fault := faults.Protocol("session", "advance", err)
		m.failFileLocked(ex, ft, fault)
		return errors.New("size mismatch")
	}

	m.tracker.Update(opID(ex.ID, ft.Info.ID), ft.Session.Progress())
	if m.store != nil {
		if err := m.store.SaveCheckpoint(ex.ID, ft.Info.ID, total); err != nil {
			m.logger.Warnf("[Upload] checkpoint save failed: %v", err)
		}
	}
	m.emit(Event{Type: EventProgress, Info: ft.Session.Snapshot()})

	if total == ft.Info.Size {
		return m.finalizeLocked(ex, ft)
	}
	return nil
}

// rollbackLocked drops a half-written chunk, leaving the part file at
// the watermark.
func (m *Manager) rollbackLocked(ft *FileTransfer, offset int64) error {
	if err := ft.handle.Truncate(offset); err != nil {
		return err
	}
	_, err := ft.handle.Seek(offset, io.SeekStart)
	return err
}

// redeliverLocked accepts a byte-identical replay of an applied chunk
// without touching the file, anything else is a conflict.
func (m *Manager) redeliverLocked(ft *FileTransfer, chunk *ByteRange, body io.Reader) error {
	chunkHash := sha256.New()
	written, err := io.Copy(chunkHash, body)
	if err != nil {
		return faults.Network("session", "read redelivered chunk", err)
	}

	var offset int64
	if chunk != nil {
		offset = chunk.Start
	}
	rec, ok := ft.chunks[offset]
	if !ok || rec.end != offset+written {
		return ErrChunkConflict
	}
	var sum [sha256.Size]byte
	copy(sum[:], chunkHash.Sum(nil))
	if sum != rec.sum {
		return ErrChunkConflict
	}
	return nil
}

// finalizeLocked verifies and publishes the completed file, then marks
// the session done, exactly once.
func (m *Manager) finalizeLocked(ex *Exchange, ft *FileTransfer) error {
	if err := ft.handle.Close(); err != nil {
		fault := faults.Filesystem("session", "close part file", err)
		m.failFileLocked(ex, ft, fault)
		return fault
	}
	ft.handle = nil

	if ft.Info.SHA256 != "" {
		actual, err := hashFile(ft.partPath)
		if err != nil {
			fault := faults.Filesystem("session", "hash part file", err)
			m.failFileLocked(ex, ft, fault)
			return fault
		}
		if !strings.EqualFold(actual, ft.Info.SHA256) {
			fault := faults.Protocol("session", "finalize",
				fmt.Errorf("declared sha256 %s, got %s", ft.Info.SHA256, actual))
			m.failFileLocked(ex, ft, fault)
			return errors.New("hash mismatch")
		}
	}

	target := uniquePath(ft.path)
	if err := os.Rename(ft.partPath, target); err != nil {
		fault := faults.Filesystem("session", "publish file", err)
		m.failFileLocked(ex, ft, fault)
		return fault
	}
	ft.path = target

	if err := ft.Session.Complete(); err != nil {
		m.logger.Errorf("[Upload] complete transition failed: %v", err)
	}
	m.tracker.Complete(opID(ex.ID, ft.Info.ID))
	m.recordTransfer(ex, ft)
	m.emit(Event{Type: EventCompleted, Info: ft.Session.Snapshot()})
	m.logger.Infof("[Upload] saved %s (session %s, %d bytes)", target, ex.ID, ft.Info.Size)
	m.maybeFinishExchange(ex)
	return nil
}

// failFileLocked abandons the part file and reports the fault. The
// session keeps its ledger so the failure stays inspectable.
func (m *Manager) failFileLocked(ex *Exchange, ft *FileTransfer, fault *faults.Fault) {
	if ft.handle != nil {
		ft.handle.Close()
		ft.handle = nil
	}
	if ft.partPath != "" {
		os.Remove(ft.partPath)
	}
	if !ft.Session.Fail(fault) {
		return
	}
	m.tracker.Fail(opID(ex.ID, ft.Info.ID))
	m.reporter.ReportFault(fault, fmt.Sprintf("receiving %s failed", ft.Info.FileName))
	m.recordTransfer(ex, ft)
	m.emit(Event{Type: EventFailed, Info: ft.Session.Snapshot()})
	m.maybeFinishExchange(ex)
}

// Cancel destroys the exchange. Later chunks for it answer as unknown.
func (m *Manager) Cancel(sessionID string) error {
	exchange := m.pop(sessionID)
	if exchange == nil {
		return ErrUnknownSession
	}

	for _, ft := range exchange.Files {
		ft.mu.Lock()
		if ft.handle != nil {
			ft.handle.Close()
			ft.handle = nil
			os.Remove(ft.partPath)
		}
		if ft.Session.Cancel() {
			m.tracker.Remove(opID(sessionID, ft.Info.ID))
			m.recordTransfer(exchange, ft)
			m.emit(Event{Type: EventCancelled, Info: ft.Session.Snapshot()})
		}
		ft.mu.Unlock()
	}
	if m.store != nil {
		if err := m.store.DeleteCheckpoints(sessionID); err != nil {
			m.logger.Warnf("[Cancel] checkpoint cleanup failed: %v", err)
		}
	}
	m.logger.Infof("[Cancel] session %s cancelled", sessionID)
	return nil
}

// Sessions snapshots every tracked file transfer, newest exchange first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	exchanges := make([]*Exchange, 0, len(m.exchanges))
	for _, ex := range m.exchanges {
		exchanges = append(exchanges, ex)
	}
	m.mu.Unlock()

	var out []Info
	for _, ex := range exchanges {
		for _, ft := range ex.Files {
			out = append(out, ft.Session.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// Vacuum clears exchanges whose liveness entry expired. Unfinished files
// fail with an expiry cause.
func (m *Manager) Vacuum() int {
	m.mu.Lock()
	var stale []*Exchange
	for id, ex := range m.exchanges {
		if !m.live.Get(id) {
			stale = append(stale, ex)
			delete(m.exchanges, id)
			if ex.Sender.Fingerprint != "" && m.bySender[ex.Sender.Fingerprint] == id {
				delete(m.bySender, ex.Sender.Fingerprint)
			}
		}
	}
	m.mu.Unlock()

	for _, ex := range stale {
		for _, ft := range ex.Files {
			ft.mu.Lock()
			if ft.handle != nil {
				ft.handle.Close()
				ft.handle = nil
				os.Remove(ft.partPath)
			}
			if ft.Session.Fail(errors.New("session expired")) {
				m.tracker.Fail(opID(ex.ID, ft.Info.ID))
				m.recordTransfer(ex, ft)
				m.emit(Event{Type: EventFailed, Info: ft.Session.Snapshot()})
			}
			ft.mu.Unlock()
		}
		if m.store != nil {
			if err := m.store.DeleteCheckpoints(ex.ID); err != nil {
				m.logger.Warnf("[Vacuum] checkpoint cleanup failed: %v", err)
			}
		}
		m.logger.Infof("[Vacuum] session %s expired", ex.ID)
	}

	if m.store != nil {
		if dropped, err := m.store.PruneCheckpoints(m.now().Add(-checkpointRetention)); err != nil {
			m.logger.Warnf("[Vacuum] checkpoint prune failed: %v", err)
		} else if dropped > 0 {
			m.logger.Infof("[Vacuum] dropped %d stale checkpoints", dropped)
		}
	}
	return len(stale)
}

// Run vacuums periodically until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Vacuum()
		}
	}
}

// pop atomically removes an exchange from all indexes.
func (m *Manager) pop(sessionID string) *Exchange {
	m.mu.Lock()
	exchange := m.exchanges[sessionID]
	if exchange != nil {
		delete(m.exchanges, sessionID)
		if exchange.Sender.Fingerprint != "" && m.bySender[exchange.Sender.Fingerprint] == sessionID {
			delete(m.bySender, exchange.Sender.Fingerprint)
		}
	}
	m.mu.Unlock()
	m.live.Delete(sessionID)
	return exchange
}

// maybeFinishExchange releases the sender slot once every file is
// terminal. The exchange itself stays until the TTL runs out so chunk
// re-delivery keeps answering idempotently.
func (m *Manager) maybeFinishExchange(ex *Exchange) {
	for _, ft := range ex.Files {
		if !ft.Session.Status().Terminal() {
			return
		}
	}
	m.mu.Lock()
	if ex.Sender.Fingerprint != "" && m.bySender[ex.Sender.Fingerprint] == ex.ID {
		delete(m.bySender, ex.Sender.Fingerprint)
	}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteCheckpoints(ex.ID); err != nil {
			m.logger.Warnf("[Upload] checkpoint cleanup failed: %v", err)
		}
	}
}

func (m *Manager) recordTransfer(ex *Exchange, ft *FileTransfer) {
	if m.store == nil {
		return
	}
	info := ft.Session.Snapshot()
	rec := TransferRecord{
		SessionID:   ex.ID,
		FileID:      ft.Info.ID,
		FileName:    ft.Info.FileName,
		Peer:        ex.Sender.Alias,
		Direction:   "receive",
		Status:      info.Status,
		Size:        info.TotalBytes,
		Transferred: info.TransferredBytes,
		StartedAt:   info.StartTime,
	}
	if info.EndTime != nil {
		rec.FinishedAt = *info.EndTime
	}
	if err := m.store.RecordTransfer(rec); err != nil {
		m.logger.Warnf("[Upload] history record failed: %v", err)
	}
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

func opID(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// uniquePath avoids clobbering an existing download of the same name.
func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}
