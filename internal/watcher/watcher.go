// Package watcher defines the immutable event-collection descriptor
// consumed by internal/perfevent and internal/profctx, per spec.md §3
// ("Watcher").
package watcher

import "fmt"

// Class identifies the kernel event category a Watcher samples.
type Class int

const (
	ClassHardware Class = iota
	ClassSoftware
	ClassTracepoint
	// ClassCustom is not a kernel perf event at all: it is a memfd-backed
	// ring buffer fed by an instrumented process (e.g. allocation
	// samples), per spec.md §1 item 1 and §4.2.
	ClassCustom
)

func (c Class) String() string {
	switch c {
	case ClassHardware:
		return "hardware"
	case ClassSoftware:
		return "software"
	case ClassTracepoint:
		return "tracepoint"
	case ClassCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ValueSource tells the sample pipeline where to find the value
// contributed by one record of this Watcher (spec.md §3).
type ValueSource int

const (
	// ValueFromPeriod uses the perf record's sample period field.
	ValueFromPeriod ValueSource = iota
	// ValueFromRegister uses a saved user register (e.g. a syscall return
	// value) as the sample value.
	ValueFromRegister
	// ValueFromRaw uses a byte range within the record's raw payload
	// (e.g. an allocation size embedded by a tracepoint or custom event).
	ValueFromRaw
)

// Aggregation controls how completed samples feed the Aggregator
// (spec.md §3, §4.7).
type Aggregation int

const (
	AggSum Aggregation = 1 << iota
	AggLiveSum
)

// KernelInclude controls whether PERF_SAMPLE_IDENTIFIER-adjacent kernel
// frames are requested for this Watcher (spec.md §3, §4.2 step 2).
type KernelInclude int

const (
	KernelRequired KernelInclude = iota
	KernelPreferred
	KernelForbidden
)

// Watcher is an immutable descriptor of one kind of event to sample.
// Exactly one non-tracepoint Watcher per Class may exist in a given
// Context (spec.md §3 invariant).
type Watcher struct {
	Class Class
	// EventID is the type-specific config value: a PERF_COUNT_HW_*,
	// PERF_COUNT_SW_*, or tracepoint id depending on Class.
	EventID uint64

	// Period and Freq are mutually exclusive ("cadence (period xor
	// frequency)"); exactly one must be nonzero.
	Period uint64
	Freq   uint64

	// StackSampleSize is the PERF_SAMPLE_STACK_USER size in bytes; must be
	// a multiple of 8 and <= 65528 per spec.md §6.
	StackSampleSize uint32

	ValueSource ValueSource
	// RawValueOffset/RawValueLen locate the value within the raw sample
	// payload when ValueSource == ValueFromRaw.
	RawValueOffset uint32
	RawValueLen    uint32
	// ValueRegister names the saved register (by its index into
	// PERF_SAMPLE_REGS_USER) when ValueSource == ValueFromRegister.
	ValueRegister uint32

	Aggregation Aggregation
	// OutputSampleType names the pprof value-type this Watcher
	// contributes, e.g. "alloc-space" or "cpu-samples".
	OutputSampleType string

	KernelInclude KernelInclude
	// Coefficient scales raw values before they're added to the
	// aggregator (e.g. converting a count into bytes).
	Coefficient float64

	// TracepointGroup/TracepointEvent/Label are only meaningful when
	// Class == ClassTracepoint.
	TracepointGroup string
	TracepointEvent string
	Label           string
}

// IsPerf reports whether this Watcher produces kernel perf_event_open
// records (everything except ClassCustom).
func (w Watcher) IsPerf() bool { return w.Class != ClassCustom }

// HasLiveHeap reports whether this Watcher's samples must also flow
// into the live-allocation table (spec.md §4.7).
func (w Watcher) HasLiveHeap() bool { return w.Aggregation&AggLiveSum != 0 }

// Validate checks the single-Watcher invariants that don't require
// knowledge of sibling watchers (duplicate-class checking is done by
// the caller across the whole set, see internal/profctx).
func (w Watcher) Validate() error {
	if w.Period != 0 && w.Freq != 0 {
		return fmt.Errorf("watcher %q: period and frequency are mutually exclusive", w.OutputSampleType)
	}
	if w.Period == 0 && w.Freq == 0 {
		return fmt.Errorf("watcher %q: exactly one of period or frequency must be set", w.OutputSampleType)
	}
	if w.StackSampleSize%8 != 0 {
		return fmt.Errorf("watcher %q: stack sample size %d must be a multiple of 8", w.OutputSampleType, w.StackSampleSize)
	}
	if w.StackSampleSize > 65528 {
		return fmt.Errorf("watcher %q: stack sample size %d exceeds 65528", w.OutputSampleType, w.StackSampleSize)
	}
	if w.Class == ClassTracepoint {
		if w.TracepointGroup == "" || w.TracepointEvent == "" {
			return fmt.Errorf("watcher %q: tracepoint watcher requires group and event", w.OutputSampleType)
		}
	}
	if w.Aggregation == 0 {
		return fmt.Errorf("watcher %q: at least one aggregation mode must be set", w.OutputSampleType)
	}
	return nil
}

// DefaultStackSampleSize is the spec.md §6 default (4096 * 8 bytes).
const DefaultStackSampleSize = 4096 * 8

// Dummy returns the implicit perf-active watcher appended by
// internal/profctx when a Context has no perf-active watcher of its
// own, so the worker loop is still notified of MMAP/COMM/FORK/EXIT
// records (spec.md §4.13, §8 boundary case "0 watchers").
func Dummy() Watcher {
	return Watcher{
		Class:            ClassSoftware,
		EventID:          9, // PERF_COUNT_SW_DUMMY
		Period:           1,
		StackSampleSize:  0,
		ValueSource:      ValueFromPeriod,
		Aggregation:      AggSum,
		OutputSampleType: "",
		KernelInclude:    KernelForbidden,
		Coefficient:      1,
	}
}
