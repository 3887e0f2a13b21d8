//go:build linux

package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInWindowInsideBounds(t *testing.T) {
	require.True(t, InWindow(100, 150, 200))
	require.True(t, InWindow(100, 100, 200))
	require.True(t, InWindow(100, 200, 200))
}

func TestInWindowOutsideBounds(t *testing.T) {
	require.False(t, InWindow(100, 99, 200))
	require.False(t, InWindow(100, 201, 200))
}

func TestSourceStringNames(t *testing.T) {
	require.Equal(t, "tsc", SourceTSC.String())
	require.Equal(t, "monotonic", SourceMonotonic.String())
	require.Equal(t, "monotonic-raw", SourceMonotonicRaw.String())
}

func TestClockIDForTSCLeavesUseClockIDFalse(t *testing.T) {
	_, useClockID := clockIDFor(SourceTSC)
	require.False(t, useClockID)
}

func TestClockIDForMonotonicSetsUseClockID(t *testing.T) {
	id, useClockID := clockIDFor(SourceMonotonic)
	require.True(t, useClockID)
	require.NotZero(t, id)
}
