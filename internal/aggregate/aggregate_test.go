package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/pprof/profile"

	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/stats"
	"github.com/perfstacks/nprof/internal/symtab"
)

func newTestAggregator() (*Aggregator, *proctree.Tree) {
	tree := proctree.New()
	tree.OnMmap(1, 0x1000, 0x9000, 0, "/bin/app", true)
	symbols := symtab.New(nil)
	counter := stats.NewCounters()
	agg := New(tree, symbols, counter, &profile.ValueType{Type: "samples", Unit: "count"})
	return agg, tree
}

func TestAddSampleMergesRepeatedStack(t *testing.T) {
	agg, _ := newTestAggregator()
	pcs := []uint64{0x1100, 0x1200}

	agg.AddSample(1, pcs, 1)
	agg.AddSample(1, pcs, 1)

	p := agg.Build(0, 0)
	require.Len(t, p.Sample, 1)
	require.EqualValues(t, 2, p.Sample[0].Value[0])
}

func TestDistinctStacksProduceDistinctSamples(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.AddSample(1, []uint64{0x1100}, 1)
	agg.AddSample(1, []uint64{0x1200}, 1)

	p := agg.Build(0, 0)
	require.Len(t, p.Sample, 2)
}

func TestLiveAllocationRemovedOnMatchingFree(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.AddAllocation(1, 0xdead0000, []uint64{0x1100}, 128)
	require.Equal(t, 1, agg.LiveAllocationCount())

	agg.RemoveAllocation(1, 0xdead0000)
	require.Equal(t, 0, agg.LiveAllocationCount())

	p := agg.Build(0, 0)
	require.Empty(t, p.Sample, "a fully freed stack contributes nothing to the exported profile")
}

func TestDuplicateAllocationReversesStaleEntryBeforeApplyingNew(t *testing.T) {
	agg, _ := newTestAggregator()
	pcs := []uint64{0x1100, 0x1200}

	agg.AddAllocation(1, 0xdead0000, pcs, 128)
	// A missed free: the tracer sees another allocation land on the
	// same address before a matching free ever arrived.
	agg.AddAllocation(1, 0xdead0000, pcs, 64)

	require.Equal(t, 1, agg.LiveAllocationCount())
	p := agg.Build(0, 0)
	require.Len(t, p.Sample, 1)
	require.EqualValues(t, 64, p.Sample[0].Value[0], "stale 128 must be reversed before the new 64 is applied")

	agg.RemoveAllocation(1, 0xdead0000)
	p = agg.Build(0, 0)
	require.Empty(t, p.Sample, "reversing the final free must bring the stack back to zero, not leave it inflated by the stale allocation")
}

func TestUnmatchedDeallocationDoesNotPanicOrGoNegative(t *testing.T) {
	agg, _ := newTestAggregator()

	agg.RemoveAllocation(1, 0xdead0000)

	require.Equal(t, 0, agg.LiveAllocationCount())
	p := agg.Build(0, 0)
	require.Empty(t, p.Sample)
}

func TestBuildIncludesSymbolTables(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.AddSample(1, []uint64{0x1100}, 1)

	p := agg.Build(100, 10)
	require.NotEmpty(t, p.Mapping)
	require.NotEmpty(t, p.Location)
	require.EqualValues(t, 100, p.TimeNanos)
	require.EqualValues(t, 10, p.DurationNanos)
}
