package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	logger := log.Default()
	logger.SetLevel(log.FatalLevel)
	return logger
}

func TestKindOfTaggedFaults(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Network("engine", "upload chunk", errors.New("timeout")), KindNetwork},
		{Protocol("server", "prepare", errors.New("bad body")), KindProtocol},
		{Security("validator", "check name", errors.New("traversal")), KindSecurity},
		{Filesystem("engine", "write", errors.New("disk full")), KindFilesystem},
		{Cancelled("engine", "upload", context.Canceled), KindCancellation},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestKindOfWrappedFault(t *testing.T) {
	inner := Security("validator", "check name", errors.New("traversal"))
	wrapped := fmt.Errorf("prepare failed: %w", inner)
	if got := KindOf(wrapped); got != KindSecurity {
		t.Fatalf("KindOf(wrapped) = %v, want security", got)
	}
}

func TestKindOfUntaggedErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancellation {
		t.Errorf("context.Canceled classified as %v", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindNetwork {
		t.Errorf("deadline exceeded classified as %v", got)
	}
	pathErr := &fs.PathError{Op: "open", Path: "x", Err: errors.New("permission denied")}
	if got := KindOf(pathErr); got != KindFilesystem {
		t.Errorf("path error classified as %v", got)
	}
	if got := KindOf(errors.New("mystery")); got != KindUnknown {
		t.Errorf("plain error classified as %v", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Network("engine", "upload", errors.New("timeout"))) {
		t.Error("network errors should be retryable")
	}
	if !Retryable(Filesystem("engine", "write", errors.New("busy"))) {
		t.Error("filesystem errors should be retryable")
	}
	if Retryable(Security("validator", "name", errors.New("traversal"))) {
		t.Error("security errors must never be retryable")
	}
	if Retryable(Protocol("server", "prepare", errors.New("bad body"))) {
		t.Error("protocol errors should not be retryable")
	}
	if Retryable(Cancelled("engine", "upload", context.Canceled)) {
		t.Error("cancellation is not a failure to retry")
	}
}

func TestReporterRecordAndResolve(t *testing.T) {
	reporter := NewReporter(quietLogger())

	report := reporter.Report(KindNetwork, SeverityWarning, "discovery", "probe failed", errors.New("timeout"))
	if report.ID == "" {
		t.Fatal("report has no id")
	}
	if report.Cause != "timeout" {
		t.Fatalf("report cause = %q", report.Cause)
	}

	unresolved := reporter.Unresolved()
	if len(unresolved) != 1 {
		t.Fatalf("unresolved count = %d, want 1", len(unresolved))
	}

	if !reporter.Resolve(report.ID) {
		t.Fatal("failed to resolve known report")
	}
	if reporter.Resolve(report.ID) {
		t.Fatal("resolving twice should report false")
	}
	if len(reporter.Unresolved()) != 0 {
		t.Fatal("report still unresolved after Resolve")
	}

	recent := reporter.Recent(10)
	if len(recent) != 1 || !recent[0].IsResolved || recent[0].ResolvedAt == nil {
		t.Fatalf("recent entry not marked resolved: %+v", recent)
	}
}

func TestReporterSubscribeDoesNotBlock(t *testing.T) {
	reporter := NewReporter(quietLogger())
	sub := reporter.Subscribe(1)

	// Two reports against a one-slot subscriber: the second drop must not
	// block the reporting path.
	reporter.Report(KindProtocol, SeverityError, "server", "first", nil)
	reporter.Report(KindProtocol, SeverityError, "server", "second", nil)

	got := <-sub
	if got.Message != "first" {
		t.Fatalf("subscriber got %q, want first", got.Message)
	}
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra delivery: %+v", extra)
	default:
	}
}

func TestRecoveryRegisteredStrategy(t *testing.T) {
	reporter := NewReporter(quietLogger())
	manager := NewRecoveryManager(reporter, nil)

	calls := 0
	manager.RegisterStrategy(KindNetwork, func(ctx context.Context, report Report) error {
		calls++
		return nil
	})

	report := reporter.Report(KindNetwork, SeverityError, "engine", "chunk timeout", errors.New("timeout"))
	if got := manager.Recover(context.Background(), report); got != OutcomeRecovered {
		t.Fatalf("Recover = %v, want recovered", got)
	}
	if calls != 1 {
		t.Fatalf("strategy ran %d times", calls)
	}
	if len(reporter.Unresolved()) != 0 {
		t.Fatal("recovered report should be resolved")
	}
}

func TestRecoveryStrategyFailureFallsBack(t *testing.T) {
	reporter := NewReporter(quietLogger())
	manager := NewRecoveryManager(reporter, nil)
	manager.RegisterStrategy(KindNetwork, func(ctx context.Context, report Report) error {
		return errors.New("still down")
	})

	report := reporter.Report(KindNetwork, SeverityError, "engine", "chunk timeout", nil)
	if got := manager.Recover(context.Background(), report); got != OutcomeRetryLater {
		t.Fatalf("Recover = %v, want retry-later", got)
	}
}

func TestRecoverySeverityFallback(t *testing.T) {
	reporter := NewReporter(quietLogger())
	manager := NewRecoveryManager(reporter, nil)

	warning := reporter.Report(KindUnknown, SeverityWarning, "engine", "slow peer", nil)
	if got := manager.Recover(context.Background(), warning); got != OutcomeRecovered {
		t.Fatalf("warning fallback = %v, want recovered", got)
	}

	failure := reporter.Report(KindUnknown, SeverityError, "engine", "failed", nil)
	if got := manager.Recover(context.Background(), failure); got != OutcomeRetryLater {
		t.Fatalf("error fallback = %v, want retry-later", got)
	}

	critical := reporter.Report(KindSecurity, SeverityCritical, "validator", "traversal", nil)
	if got := manager.Recover(context.Background(), critical); got != OutcomeUnrecoverable {
		t.Fatalf("critical fallback = %v, want unrecoverable", got)
	}
}
