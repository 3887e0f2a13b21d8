//go:build linux

package perfevent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfstacks/nprof/internal/watcher"
)

func TestRingOrderForNeverBelowDefault(t *testing.T) {
	w := watcher.Watcher{StackSampleSize: 0}
	require.GreaterOrEqual(t, ringOrderFor(w), defaultRingOrder)
}

func TestRingOrderForGrowsWithStackSize(t *testing.T) {
	small := watcher.Watcher{StackSampleSize: 0}
	large := watcher.Watcher{StackSampleSize: 65528}
	require.GreaterOrEqual(t, ringOrderFor(large), ringOrderFor(small))
}

func TestOrderWatchersPutsPerfActiveFirst(t *testing.T) {
	ws := []watcher.Watcher{
		{Class: watcher.ClassCustom},
		{Class: watcher.ClassSoftware},
		{Class: watcher.ClassCustom},
		{Class: watcher.ClassHardware},
	}
	ordered := orderWatchers(ws)
	require.Len(t, ordered.indices, 4)
	require.True(t, ws[ordered.indices[0]].IsPerf())
	require.True(t, ws[ordered.indices[1]].IsPerf())
	require.False(t, ws[ordered.indices[2]].IsPerf())
	require.False(t, ws[ordered.indices[3]].IsPerf())
}

func TestWatcherForSampleUnknownID(t *testing.T) {
	m := New()
	_, ok := m.WatcherForSample(999)
	require.False(t, ok)
}

func TestWatcherForSampleResolvesRegisteredID(t *testing.T) {
	m := New()
	m.dispatch[42] = 1
	idx, ok := m.WatcherForSample(42)
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestPollableFDsDeduplicatesAndSorts(t *testing.T) {
	m := New()
	m.sources = []*Source{
		{WatcherIndex: 0, CPU: 0, OwningFD: 5, owns: true},
		{WatcherIndex: 1, CPU: 1, OwningFD: 3, owns: true},
		{WatcherIndex: 2, CPU: 0, OwningFD: 5, owns: false},
	}
	fds := m.PollableFDs()
	require.Equal(t, []int{3, 5}, fds)
}

func TestSourceForOwningFD(t *testing.T) {
	m := New()
	want := &Source{WatcherIndex: 0, OwningFD: 7}
	m.sources = []*Source{want}
	require.Same(t, want, m.SourceForOwningFD(7))
	require.Nil(t, m.SourceForOwningFD(8))
}
