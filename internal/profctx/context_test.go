package profctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perfstacks/nprof/internal/watcher"
)

func validOpts() Options {
	return Options{
		PID:            -1,
		CPUs:           []int{0, 1},
		ExportInterval: 10 * time.Second,
		Watchers: []watcher.Watcher{{
			Class:           watcher.ClassSoftware,
			EventID:         2,
			Freq:            99,
			Aggregation:     watcher.AggSum,
			StackSampleSize: watcher.DefaultStackSampleSize,
		}},
	}
}

func TestNewRejectsNoCPUs(t *testing.T) {
	opts := validOpts()
	opts.CPUs = nil
	_, err := New(opts)
	require.Error(t, err)
}

func TestNewRejectsDuplicateClass(t *testing.T) {
	opts := validOpts()
	opts.Watchers = append(opts.Watchers, opts.Watchers[0])
	_, err := New(opts)
	require.Error(t, err)
}

func TestNewAddsDummyWhenNoPerfActiveWatcher(t *testing.T) {
	opts := validOpts()
	opts.Watchers = []watcher.Watcher{{
		Class:           watcher.ClassCustom,
		Aggregation:     watcher.AggLiveSum,
		Period:          1,
		StackSampleSize: 0,
	}}
	ctx, err := New(opts)
	require.NoError(t, err)

	found := false
	for _, w := range ctx.Watchers {
		if w.IsPerf() {
			found = true
		}
	}
	require.True(t, found, "a dummy perf-active watcher must be injected")
}

func TestNewRejectsMoreThanTenWatchers(t *testing.T) {
	opts := validOpts()
	opts.Watchers = nil
	for i := 0; i < maxWatchers+1; i++ {
		opts.Watchers = append(opts.Watchers, watcher.Watcher{
			Class:           watcher.ClassTracepoint,
			EventID:         uint64(i),
			Period:          1,
			Aggregation:     watcher.AggSum,
			StackSampleSize: watcher.DefaultStackSampleSize,
			TracepointGroup: "syscalls",
			TracepointEvent: "sys_enter_write",
		})
	}
	_, err := New(opts)
	require.Error(t, err)
}

func TestNewAcceptsValidOptions(t *testing.T) {
	ctx, err := New(validOpts())
	require.NoError(t, err)
	require.Len(t, ctx.Watchers, 1)
}
