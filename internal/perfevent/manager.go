//go:build linux

package perfevent

import (
	"fmt"
	"math/bits"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/perfstacks/nprof/internal/clock"
	"github.com/perfstacks/nprof/internal/profctx"
	"github.com/perfstacks/nprof/internal/watcher"
)

// defaultRingOrder and minSamplesPerRing size a new perf ring buffer
// per spec.md §4.2 step 3: order = max(default, ceil(log2(min_samples *
// sample_size / page))).
const (
	defaultRingOrder   = 7 // 128 data pages
	minSamplesPerRing  = 32
	averageSampleBytes = 4096 // conservative estimate dominated by PERF_SAMPLE_STACK_USER
)

// Manager owns every Source opened for a Context's watcher set, and the
// sample-id -> watcher-index dispatch table the worker uses to
// route SAMPLE records when several watchers share a CPU's buffer.
type Manager struct {
	log *slogLike

	sources []*Source
	// perCPUOwner[cpu] is the Source that owns that CPU's buffer (the
	// first watcher opened on it); later watchers on the same CPU are
	// redirected into it via PERF_EVENT_IOC_SET_OUTPUT.
	perCPUOwner map[int]*Source
	// dispatch maps a kernel-assigned sample id to the watcher index
	// that requested it (spec.md §4.2 step 4).
	dispatch map[uint64]int
}

// slogLike is a minimal logging seam so this package doesn't force a
// concrete logger type on callers that only want fmt.Stringer-style
// diagnostics in tests; cmd/nprofd wires a *slog.Logger through
// WithLogger.
type slogLike struct {
	warnf func(format string, args ...any)
}

func (l *slogLike) warn(format string, args ...any) {
	if l == nil || l.warnf == nil {
		return
	}
	l.warnf(format, args...)
}

// New creates an empty Manager. Call Open once per watcher set.
func New() *Manager {
	return &Manager{
		perCPUOwner: make(map[int]*Source),
		dispatch:    make(map[uint64]int),
	}
}

// WithLogger attaches a printf-style warn sink used for per-event
// failures that spec.md §7 says must be "recorded in stats, continue".
func (m *Manager) WithLogger(warnf func(string, ...any)) *Manager {
	m.log = &slogLike{warnf: warnf}
	return m
}

// ringOrderFor computes the buffer size order for a watcher per
// spec.md §4.2 step 3.
func ringOrderFor(w watcher.Watcher) int {
	need := minSamplesPerRing * (averageSampleBytes + int(w.StackSampleSize))
	pages := (need + ringbufferPageSize - 1) / ringbufferPageSize
	order := bits.Len(uint(pages - 1))
	if order < defaultRingOrder {
		return defaultRingOrder
	}
	return order
}

const ringbufferPageSize = 4096

// Open realizes every (watcher, cpu) combination for cpus, in the order
// mandated by spec.md §4.2: kernel watchers first, then custom.
// pid == -1 means "whole system" (spec.md §3 Context "global flag").
func (m *Manager) Open(watchers []watcher.Watcher, cpus []int, pid int, clk clock.Source) error {
	ordered := orderWatchers(watchers)

	for wi, w := range ordered.indices {
		watcherVal := ordered.watchers[wi]
		if !watcherVal.IsPerf() {
			if err := m.openCustom(watcherVal, w); err != nil {
				return profctx.Wrap(profctx.KindSetup, "open custom event source", err)
			}
			continue
		}

		opened := 0
		for _, cpu := range cpus {
			if err := m.openOnCPU(watcherVal, w, pid, cpu, clk); err != nil {
				m.log.warn("perfevent: watcher %d failed on cpu %d: %v", w, cpu, err)
				continue
			}
			opened++
		}
		if opened == 0 {
			return profctx.Wrap(profctx.KindSetup, "open perf event",
				fmt.Errorf("watcher %d: all %d cpu opens failed", w, len(cpus)))
		}
	}
	return nil
}

// watcherOrder groups watcher indices: perf-active first, custom last,
// a stable partition required by spec.md §4.13 so metadata records are
// guaranteed processed before any custom-sourced sample that might
// reference them.
type watcherOrder struct {
	indices  []int
	watchers []watcher.Watcher
}

func orderWatchers(ws []watcher.Watcher) watcherOrder {
	out := watcherOrder{watchers: ws}
	for i, w := range ws {
		if w.IsPerf() {
			out.indices = append(out.indices, i)
		}
	}
	for i, w := range ws {
		if !w.IsPerf() {
			out.indices = append(out.indices, i)
		}
	}
	return out
}

func (m *Manager) openOnCPU(w watcher.Watcher, watcherIndex, pid, cpu int, clk clock.Source) error {
	fd, err := openPerf(w, pid, cpu, clk)
	if err != nil {
		return err
	}

	src := &Source{WatcherIndex: watcherIndex, CPU: cpu, OwningFD: fd, MappingFD: fd}

	if owner, ok := m.perCPUOwner[cpu]; ok {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, owner.OwningFD); err != nil {
			unix.Close(fd)
			return profctx.Wrap(profctx.KindTransient, "PERF_EVENT_IOC_SET_OUTPUT", err)
		}
		src.MappingFD = owner.MappingFD
		src.Ring = owner.Ring
		src.owns = false
	} else {
		order := ringOrderFor(w)
		mm, ring, err := mmapRing(fd, order)
		if err != nil {
			unix.Close(fd)
			return err
		}
		src.mmap = mm
		src.Ring = ring
		src.RingOrder = order
		src.owns = true
		m.perCPUOwner[cpu] = src
	}

	id, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_ID)
	if err != nil {
		// Non-fatal: dispatch falls back to "only watcher on this
		// buffer" semantics in internal/worker when no id is known.
		m.log.warn("perfevent: PERF_EVENT_IOC_ID failed for watcher %d cpu %d: %v", watcherIndex, cpu, err)
	} else {
		src.SampleID = uint64(id)
		m.dispatch[src.SampleID] = watcherIndex
	}

	m.sources = append(m.sources, src)
	return nil
}

// openCustom creates the memfd-backed ring buffer and eventfd signal
// for a ClassCustom watcher per spec.md §3 and §6.
func (m *Manager) openCustom(w watcher.Watcher, watcherIndex int) error {
	order := ringOrderFor(w)
	pages := 1 << order
	size := ringbufferPageSize * (1 + pages)

	memFD, err := unix.MemfdCreate(fmt.Sprintf("nprof-custom-%d", watcherIndex), 0)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(memFD, int64(size)); err != nil {
		unix.Close(memFD)
		return fmt.Errorf("ftruncate memfd to %d: %w", size, err)
	}

	data, ring, err := mmapRing(memFD, order)
	if err != nil {
		unix.Close(memFD)
		return err
	}
	_ = data

	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Munmap(data)
		unix.Close(memFD)
		return fmt.Errorf("eventfd: %w", err)
	}

	src := &Source{
		WatcherIndex: watcherIndex,
		CPU:          -1,
		OwningFD:     eventFD,
		MappingFD:    memFD,
		Ring:         ring,
		RingOrder:    order,
		owns:         true,
		mmap:         data,
	}
	m.sources = append(m.sources, src)
	return nil
}

// EnableAll issues PERF_EVENT_IOC_ENABLE on every opened perf Source.
func (m *Manager) EnableAll() error {
	var firstErr error
	for _, s := range m.sources {
		if err := s.Enable(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("enable cpu=%d watcher=%d: %w", s.CPU, s.WatcherIndex, err)
		}
	}
	return firstErr
}

// CloseAll unmaps and closes every Source, continuing past individual
// errors and reporting the first one, per spec.md §4.2's failure policy.
func (m *Manager) CloseAll() error {
	var firstErr error
	for _, s := range m.sources {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sources = nil
	m.perCPUOwner = make(map[int]*Source)
	m.dispatch = make(map[uint64]int)
	return firstErr
}

// Sources returns every opened Source in open order.
func (m *Manager) Sources() []*Source { return m.sources }

// PollableFDs returns the fd each Source should be registered with on
// an epoll instance: OwningFD in every case (an owning perf fd, or the
// eventfd for a custom source), deduplicated across redirected sources
// sharing one buffer.
func (m *Manager) PollableFDs() []int {
	seen := make(map[int]bool, len(m.sources))
	var out []int
	for _, s := range m.sources {
		if s.CPU >= 0 && !s.owns {
			continue // redirected: no independent fd to poll, data arrives via the owner
		}
		if seen[s.OwningFD] {
			continue
		}
		seen[s.OwningFD] = true
		out = append(out, s.OwningFD)
	}
	sort.Ints(out)
	return out
}

// WatcherForSample resolves a SAMPLE record's id field to a watcher
// index, per spec.md §4.2 step 4.
func (m *Manager) WatcherForSample(sampleID uint64) (int, bool) {
	idx, ok := m.dispatch[sampleID]
	return idx, ok
}

// SourceForOwningFD finds the Source owning the given pollable fd, used
// by the worker loop to locate which ring buffer became readable.
func (m *Manager) SourceForOwningFD(fd int) *Source {
	for _, s := range m.sources {
		if s.OwningFD == fd {
			return s
		}
	}
	return nil
}
