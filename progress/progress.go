// Package progress aggregates concurrently running weighted operations
// into one overall percentage for observers.
package progress

import (
	"sort"
	"sync"
	"time"
)

type State int

const (
	StateActive State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Operation is one tracked unit of work. Retries register their own
// operation so their duration and outcome stay observable.
type Operation struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Weight   float64   `json:"weight"`
	Percent  float64   `json:"percent"`
	State    State     `json:"state"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

type Tracker struct {
	mu  sync.Mutex
	ops map[string]*Operation
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		ops: make(map[string]*Operation),
		now: time.Now,
	}
}

// Register starts tracking an operation. Non-positive weights count as 1.
func (t *Tracker) Register(id, label string, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	t.mu.Lock()
	t.ops[id] = &Operation{
		ID:      id,
		Label:   label,
		Weight:  weight,
		Started: t.now(),
	}
	t.mu.Unlock()
}

// Update sets an operation's percentage, clamped to 0..100. Unknown ids
// are ignored, the operation may already have been removed.
func (t *Tracker) Update(id string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	if op, ok := t.ops[id]; ok && op.State == StateActive {
		op.Percent = percent
	}
	t.mu.Unlock()
}

func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	if op, ok := t.ops[id]; ok {
		op.Percent = 100
		op.State = StateCompleted
		op.Finished = t.now()
	}
	t.mu.Unlock()
}

// Fail freezes the operation at its last percentage.
func (t *Tracker) Fail(id string) {
	t.mu.Lock()
	if op, ok := t.ops[id]; ok {
		op.State = StateFailed
		op.Finished = t.now()
	}
	t.mu.Unlock()
}

func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.ops, id)
	t.mu.Unlock()
}

// Overall folds every tracked operation into a weighted percentage. With
// nothing tracked the answer is 0 and "Ready".
func (t *Tracker) Overall() (float64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ops) == 0 {
		return 0, "Ready"
	}

	var sum, weights float64
	active, failed := 0, 0
	for _, op := range t.ops {
		sum += op.Percent / 100 * op.Weight
		weights += op.Weight
		switch op.State {
		case StateActive:
			active++
		case StateFailed:
			failed++
		}
	}

	status := "Completed"
	if active > 0 {
		status = "Active"
	} else if failed > 0 {
		status = "Failed"
	}
	return sum / weights * 100, status
}

// Snapshot returns the tracked operations ordered by start time.
func (t *Tracker) Snapshot() []Operation {
	t.mu.Lock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
