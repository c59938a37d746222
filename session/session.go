// Package session owns transfer state: one Session per file per
// negotiated exchange, plus the Manager that enforces the chunk ledger.
package session

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var validNext = map[Status][]Status{
	StatusPending:      {StatusInitializing, StatusActive, StatusFailed, StatusCancelled},
	StatusInitializing: {StatusActive, StatusFailed, StatusCancelled},
	StatusActive:       {StatusCompleted, StatusFailed, StatusCancelled},
}

// rateSmoothing weights a fresh speed sample against the running rate.
const rateSmoothing = 0.3

// Session tracks one file through an exchange. Status moves monotonically
// toward a terminal state and transferred bytes never shrink or exceed
// the declared size.
type Session struct {
	mu       sync.Mutex
	id       string
	fileID   string
	fileName string
	total    int64

	transferred int64
	status      Status
	startTime   time.Time
	endTime     time.Time
	failure     error

	rate      float64
	rateAt    time.Time
	rateBytes int64

	now func() time.Time
}

func New(id, fileID, fileName string, totalBytes int64) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		fileID:    fileID,
		fileName:  fileName,
		total:     totalBytes,
		status:    StatusPending,
		startTime: now,
		rateAt:    now,
		now:       time.Now,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) FileID() string   { return s.fileID }
func (s *Session) FileName() string { return s.fileName }
func (s *Session) TotalBytes() int64 { return s.total }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Transition moves the session forward. Terminal states are final.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to Status) error {
	if s.status.Terminal() {
		return fmt.Errorf("session %s is already %s", s.id, s.status)
	}
	for _, next := range validNext[s.status] {
		if next == to {
			s.status = to
			if to.Terminal() {
				s.endTime = s.now()
			}
			return nil
		}
	}
	return fmt.Errorf("session %s cannot move from %s to %s", s.id, s.status, to)
}

// Advance adds received bytes, keeping the monotone invariant. It never
// flips the status: the owner completes the session after finalizing the
// file on disk.
func (s *Session) Advance(n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		return s.transferred, fmt.Errorf("negative advance %d", n)
	}
	if s.status != StatusActive && s.status != StatusInitializing {
		return s.transferred, fmt.Errorf("session %s is %s", s.id, s.status)
	}
	if s.transferred+n > s.total {
		return s.transferred, fmt.Errorf("advance past declared size: %d+%d > %d", s.transferred, n, s.total)
	}
	s.transferred += n
	s.updateRateLocked()
	return s.transferred, nil
}

// Complete marks the session done, exactly once.
func (s *Session) Complete() error {
	return s.Transition(StatusCompleted)
}

// Fail attaches the cause and reports whether the session moved.
func (s *Session) Fail(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.failure = cause
	s.status = StatusFailed
	s.endTime = s.now()
	return true
}

// Cancel reports whether the session moved. Cancelling a finished
// session is a no-op, not an error.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = StatusCancelled
	s.endTime = s.now()
	return true
}

// updateRateLocked recomputes speed at most once per second.
func (s *Session) updateRateLocked() {
	now := s.now()
	elapsed := now.Sub(s.rateAt)
	if elapsed < time.Second {
		return
	}
	instant := float64(s.transferred-s.rateBytes) / elapsed.Seconds()
	if s.rate == 0 {
		s.rate = instant
	} else {
		s.rate += rateSmoothing * (instant - s.rate)
	}
	s.rateAt = now
	s.rateBytes = s.transferred
}

// Rate is the smoothed speed in bytes per second.
func (s *Session) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// ETA is zero until a rate is known.
func (s *Session) ETA() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rate <= 0 {
		return 0
	}
	remaining := float64(s.total - s.transferred)
	return time.Duration(remaining / s.rate * float64(time.Second))
}

// Progress is the percentage of declared bytes received.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() float64 {
	if s.total <= 0 {
		if s.status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(s.transferred) / float64(s.total) * 100
}

// Info is the observer-facing snapshot of a session.
type Info struct {
	SessionID        string     `json:"sessionId"`
	FileID           string     `json:"fileId"`
	FileName         string     `json:"fileName"`
	TotalBytes       int64      `json:"totalBytes"`
	TransferredBytes int64      `json:"transferredBytes"`
	Status           Status     `json:"status"`
	Percent          float64    `json:"percent"`
	BytesPerSecond   float64    `json:"bytesPerSecond"`
	ETASeconds       float64    `json:"etaSeconds"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	Failure          string     `json:"failure,omitempty"`
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		SessionID:        s.id,
		FileID:           s.fileID,
		FileName:         s.fileName,
		TotalBytes:       s.total,
		TransferredBytes: s.transferred,
		Status:           s.status,
		Percent:          s.progressLocked(),
		BytesPerSecond:   s.rate,
		StartTime:        s.startTime,
	}
	if s.rate > 0 {
		info.ETASeconds = float64(s.total-s.transferred) / s.rate
	}
	if !s.endTime.IsZero() {
		end := s.endTime
		info.EndTime = &end
	}
	if s.failure != nil {
		info.Failure = s.failure.Error()
	}
	return info
}

// TransferRecord is what persists about a finished transfer.
type TransferRecord struct {
	SessionID   string
	FileID      string
	FileName    string
	Peer        string
	Direction   string
	Status      Status
	Size        int64
	Transferred int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store persists checkpoints while a transfer runs and the record once it
// finishes. Checkpoint reports the saved watermark, erroring when none
// survives; PruneCheckpoints garbage-collects rows crashed sessions left
// behind. Implementations must tolerate concurrent calls.
type Store interface {
	SaveCheckpoint(sessionID, fileID string, offset int64) error
	Checkpoint(sessionID, fileID string) (int64, error)
	DeleteCheckpoints(sessionID string) error
	PruneCheckpoints(before time.Time) (int64, error)
	RecordTransfer(rec TransferRecord) error
}
