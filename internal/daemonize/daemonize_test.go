package daemonize

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandoffRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "nprof.sock")

	done := make(chan error, 1)
	go func() {
		done <- ServeHandoff(socketPath, ProfilerInfo{
			PID:              4242,
			OutputPath:       "/tmp/out.pprof",
			AllocRingEventFD: 7,
			AllocRingMemFD:   8,
			AllocRingSize:    1 << 20,
			SamplingRate:     99,
		})
	}()

	var info ProfilerInfo
	var err error
	require.Eventually(t, func() bool {
		info, err = ReceiveHandoff(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "ReceiveHandoff should eventually succeed once ServeHandoff is listening")

	require.NoError(t, <-done)
	require.Equal(t, 4242, info.PID)
	require.Equal(t, "/tmp/out.pprof", info.OutputPath)
	require.Equal(t, 7, info.AllocRingEventFD)
	require.Equal(t, 8, info.AllocRingMemFD)
	require.Equal(t, 1<<20, info.AllocRingSize)
	require.EqualValues(t, 99, info.SamplingRate)
}
