package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorRunsWorkerOnceUnderNeverRestart(t *testing.T) {
	log := slog.Default()
	s := New(log, "/bin/true", nil, NeverRestart)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)
}

func TestSupervisorRestartsWhilePolicyAllows(t *testing.T) {
	log := slog.Default()
	attempts := 0
	s := New(log, "/bin/true", nil, func(error) bool {
		attempts++
		return attempts < 2
	})
	s.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}
