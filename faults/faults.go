package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
)

// Kind places an error in the transfer taxonomy. The kind decides whether
// an operation may be retried and how loudly it is reported.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers unreachable peers and timeouts. Retryable.
	KindNetwork
	// KindProtocol covers malformed or unexpected wire payloads and
	// unknown session/file references. Rejected, never retried.
	KindProtocol
	// KindSecurity covers unsafe peer-supplied names and similar. Fatal
	// for the affected file, never retried, always audited.
	KindSecurity
	// KindFilesystem covers disk full, permission denied, and other
	// local I/O failures.
	KindFilesystem
	// KindCancellation marks cooperative cancellation. Not a failure.
	KindCancellation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindSecurity:
		return "security"
	case KindFilesystem:
		return "filesystem"
	case KindCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Fault wraps a cause with its kind and originating component.
type Fault struct {
	Kind   Kind
	Source string
	Op     string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s: %s error", f.Source, f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Source, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New builds a Fault of the given kind.
func New(kind Kind, source, op string, err error) *Fault {
	return &Fault{Kind: kind, Source: source, Op: op, Err: err}
}

func Network(source, op string, err error) *Fault {
	return New(KindNetwork, source, op, err)
}

func Protocol(source, op string, err error) *Fault {
	return New(KindProtocol, source, op, err)
}

func Security(source, op string, err error) *Fault {
	return New(KindSecurity, source, op, err)
}

func Filesystem(source, op string, err error) *Fault {
	return New(KindFilesystem, source, op, err)
}

func Cancelled(source, op string, err error) *Fault {
	return New(KindCancellation, source, op, err)
}

// KindOf classifies an arbitrary error. Tagged faults win; otherwise the
// error chain is inspected for context cancellation, net errors, and
// filesystem errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindFilesystem
	}
	return KindUnknown
}

// Retryable reports whether the taxonomy allows retrying after err.
// Network and filesystem troubles are worth another attempt; protocol,
// security, and cancellation are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindFilesystem:
		return true
	default:
		return false
	}
}
