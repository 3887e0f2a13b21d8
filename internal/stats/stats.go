// Package stats implements spec.md §4.11: process-wide counters for
// conditions the rest of the profiler needs to surface without
// failing (lost records, recoverable parse errors, unmatched
// deallocations) plus a periodic statsd flush.
//
// The atomic-counter-array-plus-periodic-flush shape is grounded on
// DataDog's PerfBufferMonitor (other_examples:
// f18d5205_DataDog-datadog-agent perf_buffer_monitor.go), which
// accumulates per-(map,cpu,event) counts with atomic.AddUint64 and
// flushes them via *statsd.Client.Count/.Gauge on a timer; this
// package collapses that per-dimension table into a small fixed set
// of named counters since spec.md's counters aren't per-CPU.
package stats

import (
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Counter names spec.md §4.11 requires the profiler to track.
type Counter int

const (
	CounterLostRecords Counter = iota
	CounterRecoverableParseErrors
	CounterUnmatchedDealloc
	CounterProcessExits
	CounterExportSuccess
	CounterExportFailure
	counterCount
)

func (c Counter) metricName() string {
	switch c {
	case CounterLostRecords:
		return "nprof.ringbuffer.lost_records"
	case CounterRecoverableParseErrors:
		return "nprof.sample.recoverable_parse_errors"
	case CounterUnmatchedDealloc:
		return "nprof.aggregate.unmatched_deallocation"
	case CounterProcessExits:
		return "nprof.proctree.process_exits"
	case CounterExportSuccess:
		return "nprof.export.success"
	case CounterExportFailure:
		return "nprof.export.failure"
	default:
		return "nprof.unknown"
	}
}

// Counters holds every tracked counter as an independent atomic word,
// safe for concurrent Inc from the worker's hot path alongside a
// periodic Flush from a separate goroutine.
type Counters struct {
	values [counterCount]uint64
}

// NewCounters creates a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{}
}

// Inc increments counter c by delta.
func (c *Counters) Inc(counter Counter, delta uint64) {
	atomic.AddUint64(&c.values[counter], delta)
}

// Load reads counter's current value without resetting it, for
// diagnostics callers that want a point-in-time read outside the
// statsd flush cycle (e.g. a health-check endpoint or a test).
func (c *Counters) Load(counter Counter) uint64 {
	return atomic.LoadUint64(&c.values[counter])
}

// snapshotAndReset atomically reads and zeroes counter, for a flush
// cycle that reports a rate since the last flush rather than a
// monotonically growing total, matching sendEventsAndBytesReadStats's
// getAndReset pattern in the grounding source.
func (c *Counters) snapshotAndReset(counter Counter) uint64 {
	return atomic.SwapUint64(&c.values[counter], 0)
}

// Reporter flushes Counters to a statsd client on demand. Tags are
// fixed at construction (e.g. the profiled pid or "global"), matching
// spec.md §4.11's per-Context tagging.
type Reporter struct {
	client *statsd.Client
	tags   []string
}

// NewReporter creates a Reporter. client may be nil, in which case
// Flush is a no-op (spec.md §7 Non-goals: statsd emission must degrade
// to nothing, never fail the profiler, when unconfigured).
func NewReporter(client *statsd.Client, tags []string) *Reporter {
	return &Reporter{client: client, tags: tags}
}

// Flush reports each counter with a nonzero value since the last flush
// as a statsd gauge, then resets it to zero. Counters at zero are not
// sent.
func (r *Reporter) Flush(c *Counters) error {
	if r.client == nil {
		return nil
	}
	var firstErr error
	for i := Counter(0); i < counterCount; i++ {
		v := c.snapshotAndReset(i)
		if v == 0 {
			continue
		}
		if err := r.client.Gauge(i.metricName(), float64(v), r.tags, 1.0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
