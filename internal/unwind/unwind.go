// Package unwind implements spec.md §4.5: turning a raw
// PERF_SAMPLE_STACK_USER byte snapshot plus captured registers into an
// ordered list of return addresses.
//
// A full DWARF/CFI unwinder is an explicit collaborator per spec.md §1
// ("replacement of the DWARF unwinder... it is a collaborator") rather
// than something this package builds from scratch; FrameWalker is the
// seam such a collaborator plugs into. The bundled implementation is a
// frame-pointer-chain walker, the same technique
// perfsession.Symbolize's callers use to bound symbol lookups
// (aclements-go-perf/perfsession/symbolize.go's sorted funcRange table
// is reused downstream by internal/symbolize for the per-frame name).
package unwind

import (
	"encoding/binary"

	"github.com/perfstacks/nprof/internal/proctree"
)

// MaxFrames bounds every unwound stack per spec.md §4.5, protecting
// the aggregator from unbounded memory in pathological or corrupted
// traces.
const MaxFrames = 512

// Result is one unwound stack.
type Result struct {
	PCs []uint64
	// Incomplete is set when the walk stopped early: MaxFrames reached,
	// the stack snapshot ran out, or the frame chain broke.
	Incomplete bool
}

// FrameWalker is the pluggable unwinding strategy. Implementations
// read raw and regs (already ABI-checked: len(regs) matches a known
// general-purpose register layout) and the live DSO tree for the
// sampled pid, and return the unwound addresses in a Result.
type FrameWalker interface {
	Walk(pid int, regs []uint64, stack []byte, tree *proctree.Tree) Result
}

// RegIndex names indices into the Sample.Regs slice filled in by
// internal/sample per the SampleRegsUser mask requested at open time
// (spec.md §4.3). x86-64 layout: the kernel writes registers in
// PERF_REG_X86_* order; only IP, SP and BP are needed here.
const (
	RegIP = 8  // PERF_REG_X86_IP
	RegSP = 7  // PERF_REG_X86_SP
	RegBP = 6  // PERF_REG_X86_BP
)

// FramePointerWalker walks a classic saved-rbp chain: [rbp] = saved
// rbp, [rbp+8] = return address. It requires the sampled binaries to
// have been built with frame pointers retained (-fno-omit-frame-pointer
// or Go's default since 1.7), which spec.md §4.5 notes as this
// unwinder's documented limitation in place of a full CFI engine.
type FramePointerWalker struct{}

func (FramePointerWalker) Walk(pid int, regs []uint64, stack []byte, tree *proctree.Tree) Result {
	var res Result
	if len(regs) <= RegBP || len(regs) <= RegIP {
		res.Incomplete = true
		return res
	}

	ip := regs[RegIP]
	bp := regs[RegBP]
	sp := regs[RegSP]
	res.PCs = append(res.PCs, ip)

	if len(stack) == 0 {
		res.Incomplete = true
		return res
	}

	for len(res.PCs) < MaxFrames {
		if bp < sp {
			res.Incomplete = true
			break
		}
		off, ok := offsetInSnapshot(bp, sp, len(stack))
		if !ok || off+16 > len(stack) {
			res.Incomplete = true // the stack snapshot ran out
			break
		}
		savedBP := binary.LittleEndian.Uint64(stack[off:])
		retAddr := binary.LittleEndian.Uint64(stack[off+8:])
		if retAddr == 0 {
			break
		}
		res.PCs = append(res.PCs, retAddr)
		if savedBP <= bp {
			// A zero saved rbp ends the chain; any other value must grow
			// toward higher addresses, else the chain is corrupt.
			res.Incomplete = savedBP != 0
			break
		}
		bp = savedBP
	}

	if len(res.PCs) >= MaxFrames {
		res.Incomplete = true
	}
	return res
}

// offsetInSnapshot converts a live stack address into an offset within
// the captured snapshot, which starts at sp.
func offsetInSnapshot(addr, sp uint64, snapshotLen int) (int, bool) {
	if addr < sp {
		return 0, false
	}
	off := addr - sp
	if off >= uint64(snapshotLen) {
		return 0, false
	}
	return int(off), true
}

// Metrics accumulates the unwinder counters spec.md §4.5 requires:
// frames produced per sample, truncated inputs (snapshot too small),
// truncated outputs (MaxFrames hit), and walk errors.
type Metrics struct {
	Samples         uint64
	Frames          uint64
	TruncatedInput  uint64
	TruncatedOutput uint64
	Errors          uint64
}

// Observe folds one Result into m.
func (m *Metrics) Observe(r Result, inputWasEmpty bool) {
	m.Samples++
	m.Frames += uint64(len(r.PCs))
	if inputWasEmpty {
		m.TruncatedInput++
	}
	if len(r.PCs) >= MaxFrames {
		m.TruncatedOutput++
	}
}
