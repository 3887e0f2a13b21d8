package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncAndSnapshotReset(t *testing.T) {
	c := NewCounters()
	c.Inc(CounterLostRecords, 3)
	c.Inc(CounterLostRecords, 2)

	require.EqualValues(t, 5, c.snapshotAndReset(CounterLostRecords))
	require.EqualValues(t, 0, c.snapshotAndReset(CounterLostRecords))
}

func TestFlushWithNilClientIsNoop(t *testing.T) {
	r := NewReporter(nil, []string{"pid:1"})
	c := NewCounters()
	c.Inc(CounterUnmatchedDealloc, 1)

	require.NoError(t, r.Flush(c))
}

func TestMetricNameCoversEveryCounter(t *testing.T) {
	for i := Counter(0); i < counterCount; i++ {
		require.NotEqual(t, "nprof.unknown", i.metricName())
	}
}
