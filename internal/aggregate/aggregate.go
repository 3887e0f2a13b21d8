// Package aggregate implements spec.md §4.7: folding unwound stacks
// into a pprof profile, in two modes per watcher Aggregation
// (spec.md §3): AggSum accumulates a plain counter per distinct stack,
// AggLiveSum additionally tracks live allocations by address so a
// matching deallocation can subtract the stack's contribution instead
// of only ever growing it.
//
// Stack interning and the {pid, addr} -> location lookup are grounded
// on the teacher's locationIndex/stackCountKey pattern in
// cmd/profiler3 (fillProfile), generalized from one BPF-emitted
// (pid, stackID) pair to this profiler's own decoded-in-userspace
// call chains, and routed through internal/symtab instead of building
// profile.Location inline.
package aggregate

import (
	"github.com/cespare/xxhash/v2"

	"github.com/google/pprof/profile"

	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/stats"
	"github.com/perfstacks/nprof/internal/symtab"
)

// stackKey identifies a distinct call chain within one process, used
// to merge repeated occurrences of the same stack into one
// profile.Sample per spec.md §4.7.
type stackKey struct {
	pid  int
	hash uint64
}

func hashPCs(pcs []uint64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, pc := range pcs {
		for i := 0; i < 8; i++ {
			buf[i] = byte(pc >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}

// internedStack is one deduplicated call chain plus the aggregated
// value samples into it have contributed, per spec.md §4.7.
type internedStack struct {
	locations []*profile.Location
	value     int64
	count     int64
}

// Aggregator accumulates samples for one Context (spec.md §3) into a
// single output profile. It is not safe for concurrent use; the
// worker owns one per profiling cycle.
type Aggregator struct {
	tree    *proctree.Tree
	symbols *symtab.Table
	counter *stats.Counters

	sampleType []*profile.ValueType

	byStack map[stackKey]*internedStack

	// liveByAddr maps (pid, addr) to the interned stack that allocated
	// it and the size recorded at allocation time, for AggLiveSum
	// watchers per spec.md §4.7. The size is remembered here rather than
	// supplied again at free time, since a real free() call generally
	// doesn't carry the original allocation's size.
	liveByAddr map[liveKey]liveAllocation
}

type liveAllocation struct {
	stack *internedStack
	size  int64
}

type liveKey struct {
	pid  int
	addr uint64
}

// New creates an Aggregator. sampleType describes the single value
// this Context's watcher contributes (e.g. {"samples", "count"} or
// {"alloc_space", "bytes"}), per spec.md §3.
func New(tree *proctree.Tree, symbols *symtab.Table, counter *stats.Counters, sampleType *profile.ValueType) *Aggregator {
	return &Aggregator{
		tree:       tree,
		symbols:    symbols,
		counter:    counter,
		sampleType: []*profile.ValueType{sampleType},
		byStack:    make(map[stackKey]*internedStack),
		liveByAddr: make(map[liveKey]liveAllocation),
	}
}

// AddSample folds one unwound, non-live-tracked stack into the
// profile, under AggSum semantics.
func (a *Aggregator) AddSample(pid int, pcs []uint64, value int64) {
	is := a.internOrCreate(pid, pcs)
	is.value += value
	is.count++
}

// AddAllocation records a live allocation at addr with the given
// stack and size, for an AggLiveSum watcher. A duplicate allocation at
// an address still marked live (a collision: the tracer missed the
// intervening free) first reverses the stale entry's contribution,
// matching RemoveAllocation's bookkeeping, so the stale stack doesn't
// stay inflated forever and break spec.md §4.7's invariant that
// Σvalue_per_address == Σvalue_per_interned_stack.
func (a *Aggregator) AddAllocation(pid int, addr uint64, pcs []uint64, size int64) {
	key := liveKey{pid, addr}
	if stale, ok := a.liveByAddr[key]; ok {
		stale.stack.value -= stale.size
		stale.stack.count--
	}

	is := a.internOrCreate(pid, pcs)
	is.value += size
	is.count++
	a.liveByAddr[key] = liveAllocation{stack: is, size: size}
}

// RemoveAllocation subtracts a freed allocation's contribution, using
// the size recorded at the matching AddAllocation rather than a size
// supplied here (a real free() call generally doesn't carry one). A
// free with no matching live allocation (freed before this profiler
// attached, or a double free) increments stats.CounterUnmatchedDealloc
// instead of going negative, per spec.md §4.7's invariant that
// Σvalue_per_address == Σvalue_per_interned_stack.
func (a *Aggregator) RemoveAllocation(pid int, addr uint64) {
	key := liveKey{pid, addr}
	live, ok := a.liveByAddr[key]
	if !ok {
		if a.counter != nil {
			a.counter.Inc(stats.CounterUnmatchedDealloc, 1)
		}
		return
	}
	live.stack.value -= live.size
	live.stack.count--
	delete(a.liveByAddr, key)
}

func (a *Aggregator) internOrCreate(pid int, pcs []uint64) *internedStack {
	key := stackKey{pid: pid, hash: hashPCs(pcs)}
	if is, ok := a.byStack[key]; ok {
		return is
	}
	is := &internedStack{locations: a.resolveLocations(pid, pcs)}
	a.byStack[key] = is
	return is
}

func (a *Aggregator) resolveLocations(pid int, pcs []uint64) []*profile.Location {
	locs := make([]*profile.Location, 0, len(pcs))
	for _, pc := range pcs {
		dso, err := a.tree.FindOrBackpopulate(pid, pc)
		if err != nil || dso == nil {
			continue
		}
		locs = append(locs, a.symbols.LocationFor(dso, pc))
	}
	return locs
}

// Build assembles the accumulated samples into a profile.Profile,
// skipping any interned stack whose count and value are both zero
// (a live allocation fully freed within this cycle contributes
// nothing to the exported profile, per spec.md §4.7).
func (a *Aggregator) Build(timeNanos, durationNanos int64) *profile.Profile {
	p := &profile.Profile{
		SampleType:    a.sampleType,
		TimeNanos:     timeNanos,
		DurationNanos: durationNanos,
		Location:      a.symbols.Locations(),
		Mapping:       a.symbols.Mappings(),
		Function:      a.symbols.Functions(),
	}
	for _, is := range a.byStack {
		if is.count == 0 && is.value == 0 {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{is.value},
			Location: is.locations,
		})
	}
	return p
}

// LiveAllocationCount reports how many addresses are currently tracked
// as live, exposed for tests and for a diagnostic stats counter.
func (a *Aggregator) LiveAllocationCount() int {
	return len(a.liveByAddr)
}
