//go:build linux

package worker

import (
	"log/slog"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/perfstacks/nprof/internal/aggregate"
	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/ringbuffer"
	"github.com/perfstacks/nprof/internal/sample"
	"github.com/perfstacks/nprof/internal/stats"
	"github.com/perfstacks/nprof/internal/symtab"
	"github.com/perfstacks/nprof/internal/unwind"
)

func newTestLoop(t *testing.T) (*Loop, *Route) {
	t.Helper()
	tree := proctree.New()
	counter := stats.NewCounters()
	route := Route{
		Parser:     &sample.Parser{},
		Aggregator: aggregate.New(tree, symtab.New(nil), counter, &profile.ValueType{Type: "samples", Unit: "count"}),
	}
	l := &Loop{
		log:     slog.Default(),
		tree:    tree,
		counter: counter,
		walker:  unwind.FramePointerWalker{},
		routes:  []Route{route},
	}
	return l, &l.routes[0]
}

func recordOf(typ sample.RecordType, body []byte) ringbuffer.Record {
	return ringbuffer.Record{Header: ringbuffer.Header{Type: uint32(typ)}, Data: body}
}

func TestDispatchCommUpdatesTree(t *testing.T) {
	l, route := newTestLoop(t)
	reorder := newReorderWindow(0)

	var data []byte
	data = putU32Test(data, 7) // PID
	data = putU32Test(data, 7) // TID
	data = append(data, []byte("proc\x00\x00\x00\x00")...)

	l.dispatch(route, recordOf(sample.TypeComm, data), reorder)
	require.Equal(t, "proc", l.tree.CommFor(7))
}

func TestDispatchForkExitTracksLifecycle(t *testing.T) {
	l, route := newTestLoop(t)
	reorder := newReorderWindow(0)

	var data []byte
	data = putU32Test(data, 20) // PID
	data = putU32Test(data, 10) // PPID
	data = putU32Test(data, 20) // TID
	data = putU32Test(data, 10) // PTID
	data = putU64Test(data, 0)  // Time

	l.dispatch(route, recordOf(sample.TypeFork, data), reorder)
	require.Equal(t, "", l.tree.CommFor(20))

	l.dispatch(route, recordOf(sample.TypeExit, data), reorder)
	require.EqualValues(t, 1, l.counter.Load(stats.CounterProcessExits))
}

func TestDispatchLostIncrementsCounter(t *testing.T) {
	l, route := newTestLoop(t)
	reorder := newReorderWindow(0)

	var data []byte
	data = putU64Test(data, 1) // ID
	data = putU64Test(data, 5) // Lost

	l.dispatch(route, recordOf(sample.TypeLost, data), reorder)
	require.EqualValues(t, 5, l.counter.Load(stats.CounterLostRecords))
}

func TestDispatchCustomAllocThenFreeRoundTrips(t *testing.T) {
	l, route := newTestLoop(t)
	reorder := newReorderWindow(0)

	var alloc []byte
	alloc = putU32Test(alloc, 9)    // PID
	alloc = putU32Test(alloc, 9)    // TID
	alloc = putU64Test(alloc, 0xbeef0000)
	alloc = putU64Test(alloc, 256) // size
	alloc = putU64Test(alloc, 1)   // time
	alloc = putU64Test(alloc, 0)   // no stack snapshot

	l.dispatch(route, recordOf(sample.TypeCustomAlloc, alloc), reorder)
	require.Equal(t, 1, route.Aggregator.LiveAllocationCount())

	var free []byte
	free = putU32Test(free, 9)
	free = putU32Test(free, 9)
	free = putU64Test(free, 0xbeef0000)
	free = putU64Test(free, 2)

	l.dispatch(route, recordOf(sample.TypeCustomFree, free), reorder)
	require.Equal(t, 0, route.Aggregator.LiveAllocationCount())
}

func TestDispatchUnknownRecordTypeIsIgnored(t *testing.T) {
	l, route := newTestLoop(t)
	reorder := newReorderWindow(0)
	require.NotPanics(t, func() {
		l.dispatch(route, recordOf(sample.RecordType(0xffff), nil), reorder)
	})
}

func putU32Test(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func putU64Test(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b...)
}
