package faults

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/tool"
)

// Severity ranks how bad a report is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Report is one recorded failure, kept for audit and recovery.
type Report struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Message    string     `json:"message"`
	Cause      string     `json:"cause,omitempty"`
	Kind       Kind       `json:"-"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	IsResolved bool       `json:"isResolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

const maxKeptReports = 256

// Reporter records failures, logs them, and fans them out to subscribers.
// Security reports are always written to the log regardless of level so
// they can be audited later.
type Reporter struct {
	mu      sync.Mutex
	logger  *log.Logger
	reports []Report
	subs    []chan Report
}

func NewReporter(logger *log.Logger) *Reporter {
	if logger == nil {
		logger = tool.DefaultLogger
	}
	return &Reporter{logger: logger}
}

// Report records one failure and returns the stored entry.
func (r *Reporter) Report(kind Kind, severity Severity, source, message string, cause error) Report {
	report := Report{
		ID:        tool.GenerateRandomUUID(),
		Source:    source,
		Message:   message,
		Kind:      kind,
		Severity:  severity,
		Timestamp: time.Now(),
	}
	if cause != nil {
		report.Cause = cause.Error()
	}

	r.mu.Lock()
	r.reports = append(r.reports, report)
	if len(r.reports) > maxKeptReports {
		r.reports = r.reports[len(r.reports)-maxKeptReports:]
	}
	subs := make([]chan Report, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	r.logReport(report)
	for _, sub := range subs {
		select {
		case sub <- report:
		default:
		}
	}
	return report
}

// ReportFault records a tagged fault, deriving severity from its kind.
func (r *Reporter) ReportFault(fault *Fault, message string) Report {
	severity := SeverityError
	switch fault.Kind {
	case KindCancellation:
		severity = SeverityInfo
	case KindNetwork:
		severity = SeverityWarning
	case KindSecurity:
		severity = SeverityCritical
	}
	return r.Report(fault.Kind, severity, fault.Source, message, fault.Err)
}

func (r *Reporter) logReport(report Report) {
	if report.Kind == KindSecurity {
		r.logger.Errorf("[audit] %s: %s (cause: %s, report: %s)", report.Source, report.Message, report.Cause, report.ID)
		return
	}
	switch report.Severity {
	case SeverityInfo:
		r.logger.Infof("%s: %s", report.Source, report.Message)
	case SeverityWarning:
		r.logger.Warnf("%s: %s (cause: %s)", report.Source, report.Message, report.Cause)
	default:
		r.logger.Errorf("%s: %s (cause: %s, report: %s)", report.Source, report.Message, report.Cause, report.ID)
	}
}

// Subscribe returns a channel that receives every future report. Delivery
// is best-effort: a full subscriber drops reports instead of blocking the
// reporting path.
func (r *Reporter) Subscribe(buffer int) <-chan Report {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Report, buffer)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Resolve marks a report resolved. Unknown ids report false.
func (r *Reporter) Resolve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.reports {
		if r.reports[i].ID == id && !r.reports[i].IsResolved {
			now := time.Now()
			r.reports[i].IsResolved = true
			r.reports[i].ResolvedAt = &now
			return true
		}
	}
	return false
}

// Recent returns up to n reports, newest last.
func (r *Reporter) Recent(n int) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.reports) {
		n = len(r.reports)
	}
	out := make([]Report, n)
	copy(out, r.reports[len(r.reports)-n:])
	return out
}

// Unresolved returns every report still waiting for resolution.
func (r *Reporter) Unresolved() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Report
	for _, report := range r.reports {
		if !report.IsResolved {
			out = append(out, report)
		}
	}
	return out
}
