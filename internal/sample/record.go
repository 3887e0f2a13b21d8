// Package sample implements spec.md §4.3: decoding variable-layout perf
// records according to the sample-type bitmask chosen at open time.
//
// Layout decisions are grounded on the teacher's stackCountKey /
// binary.Read approach (marselester-diy-parca-agent's cmd/profiler2,
// cmd/profiler3) generalized from a single fixed BPF-emitted struct to
// the full PERF_RECORD_SAMPLE/MMAP2/COMM/FORK/EXIT/LOST family, and on
// cilium/ebpf's perf reader framing (other_examples: wuhua988-cilium
// vendor perf/reader.go) for the record header / lost-records shape.
package sample

// RecordType mirrors the PERF_RECORD_* constants this parser handles.
type RecordType uint32

const (
	TypeMmap   RecordType = 1
	TypeLost   RecordType = 2
	TypeComm   RecordType = 3
	TypeExit   RecordType = 4
	TypeFork   RecordType = 7
	TypeSample RecordType = 9
	TypeMmap2  RecordType = 10
	// TypeCustomAlloc is not a kernel PERF_RECORD_* type; it is this
	// profiler's own tag for records written into a custom
	// (memfd-backed) ring buffer by the injected allocation library,
	// per spec.md §3's "custom allocation records".
	TypeCustomAlloc RecordType = 1 << 16
	TypeCustomFree  RecordType = 1<<16 + 1
)

// SampleTypeMask bits, mirroring <linux/perf_event.h> PERF_SAMPLE_*.
const (
	SampleIP        uint64 = 1 << 0
	SampleTID       uint64 = 1 << 1
	SampleTime      uint64 = 1 << 2
	SamplePeriod    uint64 = 1 << 8
	SampleRaw       uint64 = 1 << 10
	SampleRegsUser  uint64 = 1 << 12
	SampleStackUser uint64 = 1 << 13
	SampleCallchain uint64 = 1 << 5
	// SampleID requests the kernel-assigned sample id field, used to
	// resolve a SAMPLE record back to the watcher that requested it
	// when several watchers share one CPU's ring buffer via
	// PERF_EVENT_IOC_SET_OUTPUT (spec.md §4.2 step 4).
	SampleID uint64 = 1 << 6
)

// Sample is the decoded body of a PERF_RECORD_SAMPLE record, populated
// according to which SampleTypeMask bits were requested at open time.
type Sample struct {
	PID, TID uint32
	Time     uint64
	// ID is the kernel-assigned sample id (PERF_SAMPLE_ID), populated
	// only when the watcher's sample-type mask requested it; zero
	// otherwise, in which case the caller must fall back to routing by
	// the owning ring buffer rather than by id.
	ID     uint64
	Period uint64

	// RegsABI is 32 or 64; any other value means the record must be
	// skipped per spec.md §4.3.
	RegsABI uint64
	Regs    []uint64

	// Stack is the raw PERF_SAMPLE_STACK_USER payload. A zero-length
	// Stack (kernel dropped it under memory pressure) means the
	// unwinder must emit a single incomplete frame without being
	// invoked, per spec.md §4.3 and §8.
	Stack []byte
	// DynSize is the kernel-reported dynamic stack size; spec.md §4.3
	// says a DynSize exceeding len(Stack) is a known kernel bug and must
	// be treated as zero.
	DynSize uint64

	Raw []byte

	Callchain []uint64
}

// Mmap is the decoded body of a PERF_RECORD_MMAP/MMAP2 record.
type Mmap struct {
	PID, TID           uint32
	Addr               uint64
	Len                uint64
	PgOff              uint64
	Major, Minor       uint32
	Ino                uint64
	InoGeneration      uint64
	Prot, Flags        uint32
	Filename           string
	Executable         bool
}

// Comm is the decoded body of a PERF_RECORD_COMM record.
type Comm struct {
	PID, TID uint32
	Comm     string
	ExecFlag bool
}

// ForkExit is the decoded body of a PERF_RECORD_FORK or PERF_RECORD_EXIT
// record (identical layout per the kernel ABI).
type ForkExit struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// Lost is the decoded body of a PERF_RECORD_LOST record.
type Lost struct {
	ID   uint64
	Lost uint64
}

// CustomAlloc is one record from the custom allocation ring buffer:
// an allocation event carrying its own saved stack snapshot, per
// spec.md §3's "custom allocation records carrying (size,
// callchain-pointers, pid, tid)".
type CustomAlloc struct {
	PID, TID uint32
	Addr     uint64
	Size     uint64
	Stack    []byte
	Time     uint64
}

// CustomFree is a deallocation event from the custom ring buffer.
type CustomFree struct {
	PID, TID uint32
	Addr     uint64
	Time     uint64
}
