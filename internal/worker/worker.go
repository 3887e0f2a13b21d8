//go:build linux

// Package worker implements spec.md §4.8: the per-Context sampling
// loop that drains ring buffers through an epoll set, dispatches
// decoded records into the aggregator, and exports a profile on a
// fixed cadence.
//
// The epoll registration and readiness dispatch are grounded on
// cilium/ebpf's addToEpoll/cpuForEvent (other_examples:
// wuhua988-cilium vendor perf/reader.go), generalized from one fd per
// CPU to the Manager's deduplicated PollableFDs set; the signal
// handling during the wait loop follows the teacher's own
// cmd/profiler3, which selects on an os/signal channel alongside a
// timer rather than a dedicated signalfd.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/perfstacks/nprof/internal/aggregate"
	"github.com/perfstacks/nprof/internal/perfevent"
	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/ringbuffer"
	"github.com/perfstacks/nprof/internal/sample"
	"github.com/perfstacks/nprof/internal/stats"
	"github.com/perfstacks/nprof/internal/unwind"
	"github.com/perfstacks/nprof/internal/watcher"
)

// cycleBudget caps each EpollWait timeout, so the loop checks whether an
// export is due at least that often while no source is ready. Draining
// is not time-bounded: each ready source is drained of every record
// available when it is read.
const cycleBudget = 100 * time.Millisecond

// maxEpollEvents bounds one EpollWait call's event batch.
const maxEpollEvents = 64

// Route tells the worker which Aggregator and SampleTypeMask apply to
// a given watcher index, since a Context can run several watchers
// (e.g. one CPU-clock and one allocation watcher) concurrently.
type Route struct {
	Watcher    watcher.Watcher
	Aggregator *aggregate.Aggregator
	Parser     *sample.Parser
}

// Loop owns one Context's sampling cycle.
type Loop struct {
	log     *slog.Logger
	mgr     *perfevent.Manager
	tree    *proctree.Tree
	counter *stats.Counters
	walker  unwind.FrameWalker
	routes  []Route

	exportInterval time.Duration
	export         func([]Route) error

	reorderWindowNanos uint64

	epfd int
}

// New creates a Loop. routes must be indexed identically to the
// watcher slice passed to perfevent.Manager.Open, since
// Manager.WatcherForSample returns that same index.
func New(log *slog.Logger, mgr *perfevent.Manager, tree *proctree.Tree, counter *stats.Counters,
	walker unwind.FrameWalker, routes []Route, exportInterval time.Duration, reorderWindowNanos uint64,
	export func([]Route) error) *Loop {
	return &Loop{
		log:                log,
		mgr:                mgr,
		tree:               tree,
		counter:            counter,
		walker:             walker,
		routes:             routes,
		exportInterval:     exportInterval,
		reorderWindowNanos: reorderWindowNanos,
		export:             export,
	}
}

// Run drains ring buffers until ctx is cancelled or a SIGINT/SIGTERM
// arrives, exporting on exportInterval and once more on the way out.
func (l *Loop) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("worker: epoll_create1: %w", err)
	}
	l.epfd = epfd
	defer unix.Close(epfd)

	for _, fd := range l.mgr.PollableFDs() {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("worker: epoll_ctl add fd=%d: %w", fd, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	reorder := newReorderWindow(l.reorderWindowNanos)
	events := make([]unix.EpollEvent, maxEpollEvents)

	nextExport := time.Now().Add(l.exportInterval)
	for {
		select {
		case <-ctx.Done():
			reorder.Drain()
			return l.runExport()
		case <-sig:
			l.log.Info("worker: shutdown signal received")
			reorder.Drain()
			return l.runExport()
		default:
		}

		waitFor := time.Until(nextExport)
		if waitFor > cycleBudget {
			waitFor = cycleBudget
		}
		if waitFor < 0 {
			waitFor = 0
		}

		n, err := unix.EpollWait(epfd, events, int(waitFor.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("worker: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			src := l.mgr.SourceForOwningFD(fd)
			if src == nil {
				continue
			}
			l.drain(src, reorder)
		}

		reorder.Flush(uint64(time.Now().UnixNano()))

		if time.Now().After(nextExport) {
			if err := l.runExport(); err != nil {
				l.log.Warn("worker: export failed", "error", err)
			}
			nextExport = time.Now().Add(l.exportInterval)
		}
	}
}

// drain reads every available record from src's ring buffer and feeds
// it to the matching route's parser/aggregator, recording lost
// records and recoverable parse errors in stats rather than failing
// the loop, per spec.md §7.
//
// Dispatch to a Route starts from src.WatcherIndex, the buffer owner's
// route: correct for every metadata record (MMAP/COMM/FORK/EXIT/LOST
// describe the whole process tree, not one watcher) and for the common
// case where a buffer isn't shared across watchers. A SAMPLE record is
// re-resolved in dispatch via its own PERF_SAMPLE_ID field
// (Manager.WatcherForSample) since PERF_EVENT_IOC_SET_OUTPUT may have
// redirected a second watcher's events onto the owner's buffer
// (spec.md §4.2 step 4); the owner's route is only a fallback for the
// (non-conforming) case where no id was assigned.
func (l *Loop) drain(src *perfevent.Source, reorder *reorderWindow) {
	head, tail, err := src.Ring.Available()
	if err != nil {
		l.log.Warn("worker: ring buffer desynchronized", "cpu", src.CPU, "error", err)
		return
	}

	route := l.routeFor(src.WatcherIndex)
	if route == nil {
		src.Ring.Advance(head)
		return
	}

	pos := tail
	for pos < head {
		rec, err := src.Ring.Seek(pos)
		if err != nil {
			l.log.Warn("worker: corrupt record, abandoning rest of buffer", "cpu", src.CPU, "error", err)
			break
		}
		if rec.Header.Size < 8 {
			break
		}
		l.dispatch(route, rec, reorder)
		pos += uint64(rec.Header.Size)
	}
	src.Ring.Advance(pos)
}

func (l *Loop) routeFor(watcherIndex int) *Route {
	if watcherIndex < 0 || watcherIndex >= len(l.routes) {
		return nil
	}
	return &l.routes[watcherIndex]
}

func (l *Loop) dispatch(route *Route, rec ringbuffer.Record, reorder *reorderWindow) {
	switch sample.RecordType(rec.Header.Type) {
	case sample.TypeLost:
		lost, err := sample.ParseLost(rec.Data)
		if err == nil {
			l.counter.Inc(stats.CounterLostRecords, lost.Lost)
		}

	case sample.TypeMmap, sample.TypeMmap2:
		m, err := sample.ParseMmap(rec.Data, rec.Header.Type == uint32(sample.TypeMmap2), rec.Header.Misc)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		l.tree.OnMmap(int(m.PID), m.Addr, m.Addr+m.Len, m.PgOff, m.Filename, m.Executable)

	case sample.TypeComm:
		c, err := sample.ParseComm(rec.Data, rec.Header.Misc)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		const miscCommExec = 0x2000
		l.tree.OnComm(int(c.PID), c.Comm, rec.Header.Misc&miscCommExec != 0)

	case sample.TypeFork:
		fe, err := sample.ParseForkExit(rec.Data)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		l.tree.OnFork(int(fe.PID), int(fe.PPID))

	case sample.TypeExit:
		fe, err := sample.ParseForkExit(rec.Data)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		l.tree.OnExit(int(fe.PID))
		l.counter.Inc(stats.CounterProcessExits, 1)

	case sample.TypeSample:
		s, err := route.Parser.ParseSample(rec.Data)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		target := route
		if s.ID != 0 {
			if idx, ok := l.mgr.WatcherForSample(s.ID); ok {
				if r := l.routeFor(idx); r != nil {
					target = r
				}
			}
		}
		reorder.Push(s.Time, func() { l.processSample(target, s) })

	case sample.TypeCustomAlloc:
		a, err := sample.ParseCustomAlloc(rec.Data)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		reorder.Push(a.Time, func() { l.processCustomAlloc(route, a) })

	case sample.TypeCustomFree:
		f, err := sample.ParseCustomFree(rec.Data)
		if err != nil {
			l.counter.Inc(stats.CounterRecoverableParseErrors, 1)
			return
		}
		reorder.Push(f.Time, func() {
			route.Aggregator.RemoveAllocation(int(f.PID), f.Addr)
		})
	}
}

// processCustomAlloc unwinds a custom allocation record's saved stack
// the same way processSample does for a kernel sample, then records the
// live allocation under AggLiveSum semantics (spec.md §4.7).
func (l *Loop) processCustomAlloc(route *Route, a sample.CustomAlloc) {
	if len(a.Stack) == 0 {
		route.Aggregator.AddAllocation(int(a.PID), a.Addr, nil, int64(a.Size))
		return
	}
	res := l.walker.Walk(int(a.PID), nil, a.Stack, l.tree)
	route.Aggregator.AddAllocation(int(a.PID), a.Addr, res.PCs, int64(a.Size))
}

// processSample unwinds s's stack and folds it into route's
// Aggregator, per spec.md §4.5/§4.7.
func (l *Loop) processSample(route *Route, s sample.Sample) {
	if len(s.Stack) == 0 {
		// Kernel dropped the stack snapshot; still record a single
		// incomplete frame at the sampled IP if available via Regs.
		if len(s.Regs) > unwind.RegIP {
			route.Aggregator.AddSample(int(s.PID), []uint64{s.Regs[unwind.RegIP]}, int64(s.Period))
		}
		return
	}
	res := l.walker.Walk(int(s.PID), s.Regs, s.Stack, l.tree)
	if len(res.PCs) == 0 {
		return
	}
	route.Aggregator.AddSample(int(s.PID), res.PCs, int64(s.Period))
}

func (l *Loop) runExport() error {
	l.tree.Sweep()
	return l.export(l.routes)
}
