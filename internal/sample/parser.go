package sample

import (
	"encoding/binary"
	"fmt"

	"github.com/perfstacks/nprof/internal/ringbuffer"
)

// Parser decodes ring buffer records according to a fixed sample-type
// mask, in the field order <linux/perf_event.h> mandates (spec.md §4.3).
type Parser struct {
	SampleMask uint64
}

// ErrRecoverable marks a record that should be skipped (and counted)
// per spec.md §7's "Recoverable parse" row, as opposed to a structural
// error in the ring buffer itself.
type ErrRecoverable struct{ Reason string }

func (e *ErrRecoverable) Error() string { return "sample: " + e.Reason }

// ParseHeaderType extracts just the record type, useful for the
// worker's dispatch switch before paying for a full decode.
func ParseHeaderType(rec ringbuffer.Record) RecordType { return RecordType(rec.Header.Type) }

// ParseSample decodes a PERF_RECORD_SAMPLE body according to p.SampleMask.
// Field order follows the kernel ABI: IDENTIFIER?, IP?, TID?, TIME?,
// ADDR?, ID?, STREAM_ID?, CPU?, PERIOD?, READ?, CALLCHAIN?, RAW?,
// BRANCH_STACK?, REGS_USER?, STACK_USER?, ... Only the subset this
// profiler requests is decoded here.
func (p *Parser) ParseSample(data []byte) (Sample, error) {
	var s Sample
	r := &cursor{buf: data}

	if p.SampleMask&SampleIP != 0 {
		r.u64() // ip, unused: the unwinder reads Regs[ipIndex] instead
	}
	if p.SampleMask&SampleTID != 0 {
		s.PID = r.u32()
		s.TID = r.u32()
	}
	if p.SampleMask&SampleTime != 0 {
		s.Time = r.u64()
	}
	if p.SampleMask&SampleID != 0 {
		s.ID = r.u64()
	}
	if p.SampleMask&SamplePeriod != 0 {
		s.Period = r.u64()
	}
	if p.SampleMask&SampleCallchain != 0 {
		n := r.u64()
		s.Callchain = make([]uint64, n)
		for i := range s.Callchain {
			s.Callchain[i] = r.u64()
		}
	}
	if p.SampleMask&SampleRaw != 0 {
		size := r.u32()
		if int(size) > len(data)-r.off {
			return s, &ErrRecoverable{Reason: "raw size exceeds record bounds"}
		}
		s.Raw = r.bytes(int(size))
	}
	if p.SampleMask&SampleRegsUser != 0 {
		abi := r.u64()
		s.RegsABI = abi
		if abi != 32 && abi != 64 {
			// Count of set bits in the requested regs mask would follow;
			// without a reliable ABI we cannot know how many registers
			// were written, so the record must be abandoned here.
			return s, &ErrRecoverable{Reason: fmt.Sprintf("unsupported REGS_USER abi %d", abi)}
		}
		n := popcount(regsUserRequestedMask)
		s.Regs = make([]uint64, n)
		for i := range s.Regs {
			s.Regs[i] = r.u64()
		}
	}
	if p.SampleMask&SampleStackUser != 0 {
		size := r.u64()
		if size == 0 {
			// Kernel dropped the stack under pressure (spec.md §4.3):
			// leave Stack nil, no DynSize trailer follows when size==0.
			return s, r.err
		}
		if uint64(len(data)-r.off) < size {
			return s, &ErrRecoverable{Reason: "stack_user size exceeds record bounds"}
		}
		stackBytes := r.bytes(int(size))
		dyn := r.u64()
		if dyn > size {
			// Empirically observed kernel bug (spec.md §4.3): treat as 0.
			dyn = 0
		}
		s.Stack = stackBytes
		s.DynSize = dyn
	}
	return s, r.err
}

// regsUserRequestedMask must match perfevent.abiUserRegsMask; duplicated
// as a constant here so this package has no import-time dependency on
// perfevent (which itself depends on golang.org/x/sys/unix and is
// linux-only, whereas sample's decoding logic is portable).
const regsUserRequestedMask = 0x3ff

func popcount(mask uint64) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}

// ParseMmap decodes a PERF_RECORD_MMAP or PERF_RECORD_MMAP2 body. misc
// carries PERF_RECORD_MISC_MMAP_DATA / exec bit information the caller
// already has from the record header.
func ParseMmap(data []byte, isMmap2 bool, misc uint16) (Mmap, error) {
	var m Mmap
	r := &cursor{buf: data}

	m.PID = r.u32()
	m.TID = r.u32()
	m.Addr = r.u64()
	m.Len = r.u64()
	m.PgOff = r.u64()

	if isMmap2 {
		m.Major = r.u32()
		m.Minor = r.u32()
		m.Ino = uint64(r.u32())
		m.InoGeneration = uint64(r.u32())
		m.Prot = r.u32()
		m.Flags = r.u32()
	}
	m.Filename = r.cstring()
	m.Executable = misc&0x2 != 0 // PERF_RECORD_MISC_USER-ish exec heuristic; real flag is in Prot for MMAP2
	if isMmap2 {
		const protExec = 0x4
		m.Executable = m.Prot&protExec != 0
	}
	return m, r.err
}

// ParseComm decodes a PERF_RECORD_COMM body.
func ParseComm(data []byte, misc uint16) (Comm, error) {
	var c Comm
	r := &cursor{buf: data}
	c.PID = r.u32()
	c.TID = r.u32()
	c.Comm = r.cstring()
	const miscCommExec = 0x2000
	c.ExecFlag = misc&miscCommExec != 0
	return c, r.err
}

// ParseForkExit decodes a PERF_RECORD_FORK or PERF_RECORD_EXIT body.
func ParseForkExit(data []byte) (ForkExit, error) {
	var fe ForkExit
	r := &cursor{buf: data}
	fe.PID = r.u32()
	fe.PPID = r.u32()
	fe.TID = r.u32()
	fe.PTID = r.u32()
	fe.Time = r.u64()
	return fe, r.err
}

// ParseLost decodes a PERF_RECORD_LOST body.
func ParseLost(data []byte) (Lost, error) {
	var l Lost
	r := &cursor{buf: data}
	l.ID = r.u64()
	l.Lost = r.u64()
	return l, r.err
}

// ParseCustomAlloc decodes a TypeCustomAlloc record written by the
// injected allocation library into a custom ring buffer: PID, TID,
// Addr, Size, Time, followed by a length-prefixed raw stack snapshot
// in the same shape PERF_SAMPLE_STACK_USER uses, so the same
// unwind.FrameWalker can process either source (spec.md §3, §6).
func ParseCustomAlloc(data []byte) (CustomAlloc, error) {
	var a CustomAlloc
	r := &cursor{buf: data}
	a.PID = r.u32()
	a.TID = r.u32()
	a.Addr = r.u64()
	a.Size = r.u64()
	a.Time = r.u64()
	size := r.u64()
	if size > 0 {
		a.Stack = r.bytes(int(size))
	}
	return a, r.err
}

// ParseCustomFree decodes a TypeCustomFree record: PID, TID, Addr, Time.
func ParseCustomFree(data []byte) (CustomFree, error) {
	var f CustomFree
	r := &cursor{buf: data}
	f.PID = r.u32()
	f.TID = r.u32()
	f.Addr = r.u64()
	f.Time = r.u64()
	return f, r.err
}

// cursor is a small bounds-checked little-endian reader, standing in
// for the teacher's bytes.NewBuffer+binary.Read pattern but without
// allocating an io.Reader per field.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) u32() uint32 {
	if c.err != nil || c.off+4 > len(c.buf) {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	if c.err != nil || c.off+8 > len(c.buf) {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || c.off+n > len(c.buf) {
		c.fail()
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) cstring() string {
	if c.err != nil {
		return ""
	}
	i := c.off
	for i < len(c.buf) && c.buf[i] != 0 {
		i++
	}
	if i >= len(c.buf) {
		c.fail()
		return ""
	}
	s := string(c.buf[c.off:i])
	// Filenames are padded to 8-byte alignment with NUL bytes.
	end := i
	for end < len(c.buf) && c.buf[end] == 0 {
		end++
	}
	c.off = end
	return s
}

func (c *cursor) fail() {
	if c.err == nil {
		c.err = &ErrRecoverable{Reason: "record truncated"}
	}
}
