package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReorderWindowDisabledRunsImmediately(t *testing.T) {
	w := newReorderWindow(0)
	ran := false
	w.Push(100, func() { ran = true })
	require.True(t, ran)
}

func TestReorderWindowOrdersByTimestamp(t *testing.T) {
	w := newReorderWindow(1000)
	var order []int
	w.Push(300, func() { order = append(order, 3) })
	w.Push(100, func() { order = append(order, 1) })
	w.Push(200, func() { order = append(order, 2) })

	w.Flush(2000) // well past the window for all three
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestReorderWindowRetainsRecentRecords(t *testing.T) {
	w := newReorderWindow(1000)
	var ran []int
	w.Push(500, func() { ran = append(ran, 1) })

	w.Flush(700) // 700 < 1000, so the cutoff is clamped to 0 and 500 > 0 is retained
	require.Empty(t, ran)

	w.Flush(1600) // cutoff = 600, 500 <= 600 releases
	require.Equal(t, []int{1}, ran)
}

func TestReorderWindowDrainReleasesEverything(t *testing.T) {
	w := newReorderWindow(1000)
	var ran []int
	w.Push(5000, func() { ran = append(ran, 1) })
	w.Push(10, func() { ran = append(ran, 2) })

	w.Drain()
	require.Equal(t, []int{2, 1}, ran)
}
