//go:build linux

package perfevent

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/perfstacks/nprof/internal/clock"
	"github.com/perfstacks/nprof/internal/watcher"
)

func TestSampleTypeMaskAddsRawForTracepoint(t *testing.T) {
	tp := watcher.Watcher{Class: watcher.ClassTracepoint}
	sw := watcher.Watcher{Class: watcher.ClassSoftware}

	require.NotZero(t, sampleTypeMask(tp)&unix.PERF_SAMPLE_RAW)
	require.Zero(t, sampleTypeMask(sw)&unix.PERF_SAMPLE_RAW)
}

func TestBuildAttrUsesFrequencyWhenSet(t *testing.T) {
	w := watcher.Watcher{Class: watcher.ClassSoftware, Freq: 99}
	attr := buildAttr(w, clock.SourceTSC)
	require.NotZero(t, attr.Bits&unix.PerfBitFreq)
	require.EqualValues(t, 99, attr.Sample)
}

func TestBuildAttrUsesPeriodWhenFreqUnset(t *testing.T) {
	w := watcher.Watcher{Class: watcher.ClassSoftware, Period: 4096}
	attr := buildAttr(w, clock.SourceTSC)
	require.Zero(t, attr.Bits&unix.PerfBitFreq)
	require.EqualValues(t, 4096, attr.Sample)
}

func TestBuildAttrSetsClockIDWhenNotTSC(t *testing.T) {
	w := watcher.Watcher{Class: watcher.ClassSoftware, Period: 1}
	attr := buildAttr(w, clock.SourceMonotonic)
	require.NotZero(t, attr.Bits&unix.PerfBitUseClockID)
	require.EqualValues(t, unix.CLOCK_MONOTONIC, attr.Clockid)
}

func TestBuildAttrExcludesKernelWhenForbidden(t *testing.T) {
	w := watcher.Watcher{Class: watcher.ClassSoftware, Period: 1, KernelInclude: watcher.KernelForbidden}
	attr := buildAttr(w, clock.SourceTSC)
	require.NotZero(t, attr.Bits&unix.PerfBitExcludeKernel)
}

func TestClassifyOpenErrMapsPermissionErrors(t *testing.T) {
	err := classifyOpenErr(unix.EACCES)
	require.Error(t, err)
}

func TestClassifyOpenErrMapsUnavailable(t *testing.T) {
	err := classifyOpenErr(unix.ENODEV)
	require.Error(t, err)
}
