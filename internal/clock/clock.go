//go:build linux

// Package clock implements spec.md §4.12: a one-shot startup probe that
// picks the clock source whose readings will match the perf event
// sample.time field, by opening a dummy PERF_COUNT_SW_DUMMY event
// configured against each candidate clock, forcing the kernel to emit
// a real PERF_RECORD_MMAP2 on the probing CPU, and checking its
// PERF_SAMPLE_TIME trailer falls within a locally bracketed window.
//
// The probe itself (attr flags, the per-iteration mmap/munmap bracket,
// the PERF_RECORD_MMAP2 check) is grounded on
// _examples/original_source/src/perf_clock.cc's test_clock; the ring
// buffer it reads from is internal/ringbuffer, the same abstraction
// internal/perfevent uses for real watchers.
package clock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/perfstacks/nprof/internal/ringbuffer"
	"github.com/perfstacks/nprof/internal/sample"
)

// Source identifies a perf clock candidate, tried in the order given by
// spec.md §4.12.
type Source int

const (
	// SourceTSC asks the kernel to timestamp samples using the
	// CPU timestamp counter (unix.CLOCK_TAI is not it; TSC-backed perf
	// clock is requested via ClockID unset + UseClockID false, which is
	// the kernel's legacy default "CPU cycle counter" behavior).
	SourceTSC Source = iota
	SourceMonotonic
	SourceMonotonicRaw
)

func (s Source) String() string {
	switch s {
	case SourceTSC:
		return "tsc"
	case SourceMonotonic:
		return "monotonic"
	case SourceMonotonicRaw:
		return "monotonic-raw"
	default:
		return "unknown"
	}
}

// candidates lists the probe order mandated by spec.md §4.12.
var candidates = []Source{SourceTSC, SourceMonotonic, SourceMonotonicRaw}

// clockIDFor maps a Source onto the unix.CLOCK_* id used when
// PerfEventAttr.UseClockID is set. SourceTSC leaves UseClockID false
// (the kernel default perf clock, effectively CPU-cycle-timestamped).
func clockIDFor(s Source) (id int32, useClockID bool) {
	switch s {
	case SourceMonotonic:
		return unix.CLOCK_MONOTONIC, true
	case SourceMonotonicRaw:
		return unix.CLOCK_MONOTONIC_RAW, true
	default:
		return 0, false
	}
}

// localNow reads the same wall-clock-relatable timestamp a Source would
// report, so probed samples can be bracketed against [t0, t1].
//
// SourceTSC has no portable Go reader for the raw timestamp counter
// without cgo or a hand-written assembly stub, neither of which
// appears anywhere in the retrieval pack; this falls back to
// time.Now() for that one candidate, a known, looser approximation of
// the original's calibrated TscClock. It still brackets the genuine
// kernel-produced PERF_SAMPLE_TIME read in the loop below, so a host
// where TSC isn't actually a usable perf clock source still fails the
// probe correctly.
func localNow(s Source) uint64 {
	switch s {
	case SourceMonotonic:
		return uint64(monotonicNanos(unix.CLOCK_MONOTONIC))
	case SourceMonotonicRaw:
		return uint64(monotonicNanos(unix.CLOCK_MONOTONIC_RAW))
	default:
		return uint64(time.Now().UnixNano())
	}
}

func monotonicNanos(id int32) int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return 0
	}
	return ts.Sec*1e9 + ts.Nsec
}

const probeIterations = 10

// Select performs the probe described in spec.md §4.12 and returns the
// first candidate whose kernel-produced PERF_RECORD_MMAP2 samples
// consistently carry a PERF_SAMPLE_TIME value inside the locally
// bracketed window. The whole probe runs pinned to one CPU, since
// TSC-based and monotonic clocks are only comparable on the CPU they
// were read on.
func Select() (Source, error) {
	restore, cpu, err := pinToCurrentCPU()
	if err != nil {
		return SourceMonotonic, fmt.Errorf("clock: pin to current cpu: %w", err)
	}
	defer restore()

	var lastErr error
	for _, cand := range candidates {
		ok, err := probe(cand, cpu)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return cand, nil
		}
	}
	return SourceMonotonic, fmt.Errorf("clock: no candidate passed the probe, falling back to monotonic: %w", lastErr)
}

// pinToCurrentCPU locks the calling goroutine to its current OS thread
// and restricts that thread's affinity to the single CPU it is
// currently running on, mirroring PerfClock::init's
// sched_getaffinity/sched_setaffinity bracket. The returned restore
// func puts the thread's original affinity back and unlocks the
// goroutine.
func pinToCurrentCPU() (restore func(), cpu int, err error) {
	runtime.LockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, 0, fmt.Errorf("sched_getaffinity: %w", err)
	}

	cpu = -1
	var cur uint32
	if _, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cur)), 0, 0); errno == 0 && old.IsSet(int(cur)) {
		cpu = int(cur)
	}
	for i := 0; cpu < 0 && i < 1024; i++ {
		if old.IsSet(i) {
			cpu = i
		}
	}
	if cpu < 0 {
		runtime.UnlockOSThread()
		return nil, 0, errors.New("sched_getaffinity: reported affinity mask is empty")
	}

	var pinned unix.CPUSet
	pinned.Set(cpu)
	if err := unix.SchedSetaffinity(0, &pinned); err != nil {
		runtime.UnlockOSThread()
		return nil, 0, fmt.Errorf("sched_setaffinity: %w", err)
	}

	return func() {
		unix.SchedSetaffinity(0, &old)
		runtime.UnlockOSThread()
	}, cpu, nil
}

// perfEventMmapPage field byte offsets (x86-64/arm64 ABI, stable since
// Linux 2.6): Data_head at 1024, Data_tail at 1032. Duplicated from
// internal/perfevent (which cannot be imported here: perfevent itself
// depends on this package to pick the clock a watcher's attr uses).
const (
	mmapPageDataHeadOffset = 1024
	mmapPageDataTailOffset = 1032
)

// probe opens a PERF_COUNT_SW_DUMMY event configured to use cand's
// clock on cpu, with mmap tracking enabled, and checks probeIterations
// times that a real mmap(2)/munmap(2) pair on this thread produces a
// PERF_RECORD_MMAP2 record whose PERF_SAMPLE_TIME trailer falls inside
// the [t0, t1] window bracketing that syscall pair, per
// _examples/original_source/src/perf_clock.cc's test_clock.
func probe(cand Source, cpu int) (bool, error) {
	clockID, useClockID := clockIDFor(cand)

	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      9, // PERF_COUNT_SW_DUMMY
		Sample:      1, // sample_period
		Sample_type: unix.PERF_SAMPLE_TIME,
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv |
			unix.PerfBitMmap | unix.PerfBitMmapData | unix.PerfBitMmap2 | unix.PerfBitSampleIDAll,
	}
	if useClockID {
		attr.Bits |= unix.PerfBitUseClockID
		attr.Clockid = clockID
	}

	fd, err := unix.PerfEventOpen(attr, 0, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return false, fmt.Errorf("clock: perf_event_open(%s): %w", cand, err)
	}
	defer unix.Close(fd)

	size := ringbuffer.PageSize * 2 // one metadata page, one data page
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return false, fmt.Errorf("clock: mmap ring(%s): %w", cand, err)
	}
	defer unix.Munmap(data)

	ring, err := ringbuffer.Init(data, size, ringbuffer.KindPerf, mmapPageDataHeadOffset, mmapPageDataTailOffset, 0)
	if err != nil {
		return false, fmt.Errorf("clock: init ring(%s): %w", cand, err)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return false, fmt.Errorf("clock: enable(%s): %w", cand, err)
	}
	defer unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)

	pageSize := os.Getpagesize()
	for i := 0; i < probeIterations; i++ {
		t0 := localNow(cand)
		anon, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return false, fmt.Errorf("clock: probe mmap: %w", err)
		}
		t1 := localNow(cand)
		if err := unix.Munmap(anon); err != nil {
			return false, fmt.Errorf("clock: probe munmap: %w", err)
		}

		head, tail, err := ring.Available()
		if err != nil {
			return false, fmt.Errorf("clock: ring desynchronized(%s): %w", cand, err)
		}
		if head == tail {
			return false, nil // mmap never reached the ring: this clock config isn't usable
		}

		rec, err := ring.Seek(tail)
		if err != nil {
			return false, fmt.Errorf("clock: seek record(%s): %w", cand, err)
		}
		if sample.RecordType(rec.Header.Type) != sample.TypeMmap2 {
			return false, nil
		}
		if len(rec.Data) < 8 {
			return false, nil
		}
		ts := binary.LittleEndian.Uint64(rec.Data[len(rec.Data)-8:])
		if !InWindow(t0, ts, t1) {
			return false, nil
		}

		newTail := tail + uint64(rec.Header.Size)
		ring.Advance(newTail)
		if newTail != head {
			// More than one record landed in the ring this iteration:
			// the probe's one-mmap-per-iteration assumption broke down.
			return false, nil
		}
	}
	return true, nil
}

// InWindow reports whether a sampled PERF_SAMPLE_TIME value ts falls
// within [t0, t1], the testable property from spec.md §8.
func InWindow(t0, ts, t1 uint64) bool {
	return t0 <= ts && ts <= t1
}
