package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSnapshot(sp uint64, chain [][2]uint64) []byte {
	maxOff := uint64(0)
	for _, link := range chain {
		if link[0] > maxOff {
			maxOff = link[0]
		}
	}
	buf := make([]byte, maxOff-sp+16)
	for _, link := range chain {
		off := link[0] - sp
		binary.LittleEndian.PutUint64(buf[off:], link[1])
	}
	return buf
}

func TestFramePointerWalkerSingleFrame(t *testing.T) {
	w := FramePointerWalker{}
	regs := make([]uint64, 20)
	regs[RegIP] = 0x1000
	regs[RegSP] = 0x7000
	regs[RegBP] = 0x7000 // bp == sp: no saved frame to chase

	res := w.Walk(1, regs, []byte{0, 0, 0, 0, 0, 0, 0, 0}, nil)
	require.Equal(t, []uint64{0x1000}, res.PCs)
}

func TestFramePointerWalkerChain(t *testing.T) {
	w := FramePointerWalker{}
	regs := make([]uint64, 20)
	regs[RegIP] = 0x1000
	regs[RegSP] = 0x7000
	regs[RegBP] = 0x7010

	sp := uint64(0x7000)
	stack := make([]byte, 64)
	// frame at bp=0x7010: [savedBP=0x7020][retAddr=0x2000]
	binary.LittleEndian.PutUint64(stack[0x7010-sp:], 0x7020)
	binary.LittleEndian.PutUint64(stack[0x7010-sp+8:], 0x2000)
	// frame at bp=0x7020: [savedBP=0][retAddr=0x3000] -> chain ends
	binary.LittleEndian.PutUint64(stack[0x7020-sp:], 0)
	binary.LittleEndian.PutUint64(stack[0x7020-sp+8:], 0x3000)

	res := w.Walk(1, regs, stack, nil)
	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, res.PCs)
	require.False(t, res.Incomplete)
}

func TestFramePointerWalkerEmptyStackIncomplete(t *testing.T) {
	w := FramePointerWalker{}
	regs := make([]uint64, 20)
	regs[RegIP] = 0x1000

	res := w.Walk(1, regs, nil, nil)
	require.Equal(t, []uint64{0x1000}, res.PCs)
	require.True(t, res.Incomplete)
}

func TestMetricsObserve(t *testing.T) {
	var m Metrics
	m.Observe(Result{PCs: []uint64{1, 2, 3}}, false)
	m.Observe(Result{PCs: nil, Incomplete: true}, true)

	require.EqualValues(t, 2, m.Samples)
	require.EqualValues(t, 3, m.Frames)
	require.EqualValues(t, 1, m.TruncatedInput)
	require.EqualValues(t, 0, m.TruncatedOutput)
}
