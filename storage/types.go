package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// HistoryEntry is one finished transfer as persisted.
type HistoryEntry struct {
	SessionID   string
	FileID      string
	FileName    string
	Peer        string
	Direction   string
	Status      string
	Size        int64
	Transferred int64
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// KnownDevice is a peer the node has seen before, kept across restarts.
type KnownDevice struct {
	Fingerprint string
	Alias       string
	DeviceModel string
	DeviceType  string
	Protocol    string
	LastAddress string
	LastPort    int
	FirstSeen   time.Time
	LastSeen    time.Time
}

func nullUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func unixOrNil(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}
