// Package profctx holds the profiler's validated configuration (Context)
// and the error taxonomy shared by every other package.
package profctx

import (
	"errors"
	"fmt"
)

// Kind classifies a profiler error the way spec.md §7 and
// original_source/include/ddres_list.h categorize failures: by how the
// caller is expected to react, not by which package raised it.
type Kind int

const (
	// KindConfiguration marks a fatal error discovered while building a
	// Context: the profiler must not start its worker loop.
	KindConfiguration Kind = iota
	// KindSetup marks a fatal error discovered while starting a worker
	// (e.g. every perf_event_open call failed): the worker exits and sets
	// the persistent errors flag.
	KindSetup
	// KindTransient marks a per-event error that is counted and logged,
	// never propagated out of the worker loop.
	KindTransient
	// KindExport marks an exporter failure. IsFatal treats every
	// KindExport error as fatal; consecutive failures are not counted.
	KindExport
	// KindParse marks a recoverable per-record parse error (spec.md §4.3).
	KindParse
	// KindLifecycle marks a graceful-shutdown trigger (signalfd, POLLHUP),
	// not really a failure.
	KindLifecycle
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSetup:
		return "setup"
	case KindTransient:
		return "transient"
	case KindExport:
		return "export"
	case KindParse:
		return "parse"
	case KindLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Error is the profiler's wrapped error type. It preserves Kind across
// fmt.Errorf %w wrapping and errors.Is/As, mirroring original_source's
// ddres_t result-code-plus-cause pattern without requiring every call
// site to manage a numeric error code.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given Kind, attributing it to op.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsFatal reports whether an error of this Kind should terminate the
// worker (and, transitively via the persistent errors flag, prevent the
// supervisor from restarting it without an explicit reset request).
func IsFatal(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindConfiguration, KindSetup, KindExport:
		return true
	default:
		return false
	}
}
