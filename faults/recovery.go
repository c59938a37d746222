package faults

import (
	"context"
	"sync"
)

// Strategy attempts to recover from one report. A nil return means the
// underlying condition is gone and the report can be resolved.
type Strategy func(ctx context.Context, report Report) error

// Outcome is the recovery verdict for one report.
type Outcome int

const (
	// OutcomeRecovered means the report was handled and resolved.
	OutcomeRecovered Outcome = iota
	// OutcomeRetryLater means the caller decides when to try again.
	OutcomeRetryLater
	// OutcomeUnrecoverable means no automatic recovery applies.
	OutcomeUnrecoverable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecovered:
		return "recovered"
	case OutcomeRetryLater:
		return "retry-later"
	default:
		return "unrecoverable"
	}
}

// OperationTracker is the slice of the progress tracker recovery needs to
// make a recovery attempt observable as its own sub-operation.
type OperationTracker interface {
	Register(id, label string, weight float64)
	Complete(id string)
	Fail(id string)
}

// RecoveryManager dispatches reports to strategies registered per error
// kind. Kinds without a strategy fall back to severity-based handling:
// warnings auto-resolve, errors defer the retry decision to the caller,
// criticals get no automatic recovery.
type RecoveryManager struct {
	mu         sync.RWMutex
	strategies map[Kind]Strategy
	reporter   *Reporter
	tracker    OperationTracker
}

func NewRecoveryManager(reporter *Reporter, tracker OperationTracker) *RecoveryManager {
	return &RecoveryManager{
		strategies: make(map[Kind]Strategy),
		reporter:   reporter,
		tracker:    tracker,
	}
}

// RegisterStrategy binds a strategy to an error kind, replacing any
// previous one.
func (m *RecoveryManager) RegisterStrategy(kind Kind, strategy Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[kind] = strategy
}

// Recover runs the strategy registered for the report's kind, tracking the
// attempt as a sub-operation so its duration and outcome are observable.
func (m *RecoveryManager) Recover(ctx context.Context, report Report) Outcome {
	m.mu.RLock()
	strategy, ok := m.strategies[report.Kind]
	m.mu.RUnlock()

	if ok {
		opID := "recover-" + report.ID
		if m.tracker != nil {
			m.tracker.Register(opID, "recover "+report.Source, 1)
		}
		err := strategy(ctx, report)
		if err == nil {
			if m.tracker != nil {
				m.tracker.Complete(opID)
			}
			if m.reporter != nil {
				m.reporter.Resolve(report.ID)
			}
			return OutcomeRecovered
		}
		if m.tracker != nil {
			m.tracker.Fail(opID)
		}
	}

	return m.fallback(report)
}

func (m *RecoveryManager) fallback(report Report) Outcome {
	switch report.Severity {
	case SeverityInfo, SeverityWarning:
		if m.reporter != nil {
			m.reporter.Resolve(report.ID)
		}
		return OutcomeRecovered
	case SeverityError:
		return OutcomeRetryLater
	default:
		return OutcomeUnrecoverable
	}
}
