package profctx

import (
	"fmt"
	"time"

	"github.com/perfstacks/nprof/internal/watcher"
)

// Options is the configuration for one profiling Context, per
// spec.md §4.13's "config file loading" Non-goal: this profiler reads
// no config file, only a flat set of explicit options a caller fills
// in and New validates.
type Options struct {
	// PID is the process to profile, or -1 for whole-system (spec.md
	// §3's Context "global flag").
	PID int
	// CPUs lists which CPU indices to open per-Watcher sources on.
	CPUs []int

	Watchers []watcher.Watcher

	ExportInterval time.Duration
	ReorderWindow  time.Duration
}

// Context is a fully validated Options, safe to hand to
// internal/perfevent and internal/worker.
type Context struct {
	Options
}

// maxWatchers is spec.md §4.13's cap on the number of watchers a
// single Context may carry.
const maxWatchers = 10

// New validates opts and returns a Context, filling in the implicit
// dummy watcher (spec.md §4.13, §8) when opts.Watchers contains no
// perf-active watcher.
func New(opts Options) (*Context, error) {
	if len(opts.CPUs) == 0 {
		return nil, Wrap(KindConfiguration, "profctx.New", fmt.Errorf("at least one CPU must be specified"))
	}
	if opts.ExportInterval <= 0 {
		return nil, Wrap(KindConfiguration, "profctx.New", fmt.Errorf("export interval must be positive"))
	}
	if len(opts.Watchers) > maxWatchers {
		return nil, Wrap(KindConfiguration, "profctx.New",
			fmt.Errorf("at most %d watchers are allowed, got %d", maxWatchers, len(opts.Watchers)))
	}

	seenClass := make(map[watcher.Class]bool)
	hasPerfActive := false
	for _, w := range opts.Watchers {
		if err := w.Validate(); err != nil {
			return nil, Wrap(KindConfiguration, "profctx.New", err)
		}
		if w.Class != watcher.ClassTracepoint {
			if seenClass[w.Class] {
				return nil, Wrap(KindConfiguration, "profctx.New",
					fmt.Errorf("duplicate non-tracepoint watcher for class %s", w.Class))
			}
			seenClass[w.Class] = true
		}
		if w.IsPerf() {
			hasPerfActive = true
		}
	}

	if !hasPerfActive {
		opts.Watchers = append(opts.Watchers, watcher.Dummy())
	}

	return &Context{Options: opts}, nil
}
