// Package ringbuffer implements the shared-memory ring buffer abstraction
// of spec.md §3 ("Ring buffer") and §4.1: one metadata page followed by
// 2^n data pages, a monotonically increasing writer position advanced by
// the producer and a reader position advanced by the worker, with
// acquire/release semantics on both positions.
//
// The layout and the lock-free position handshake are grounded on the
// MPSC ring buffer from the retrieval pack
// (other_examples: yonch-memory-collector's pkg/perf/ring.go) and on
// cilium/ebpf's perf.Reader record framing
// (other_examples: wuhua988-cilium's vendor perf/reader.go); per
// spec.md §9's first open question, both the perf-sourced and the
// custom (memfd-backed) sources share this one MPSC-shaped layout.
package ringbuffer

import (
	"errors"
	"sync/atomic"
)

// Kind distinguishes a kernel perf ring (SPSC: the kernel is the sole
// producer) from a custom ring (MPSC: the injected library's producers
// share a spinlock-guarded reserve step), per spec.md §3.
type Kind int

const (
	KindPerf Kind = iota
	KindCustom
)

var (
	// ErrBadSize is returned by Init when size is not (2^n + 1) pages.
	ErrBadSize = errors.New("ringbuffer: size must be (2^n + 1) pages")
	// ErrInconsistent is returned by Available when the kernel has
	// reported a writer/reader gap larger than the data size -- "never
	// expected from the kernel" per spec.md §4.1, but checked anyway
	// since a buggy producer must not be allowed to desynchronize the
	// reader.
	ErrInconsistent = errors.New("ringbuffer: reader/writer position inconsistency")
)

// Record is a zero-copy-where-possible view of one ring buffer entry.
// Data is valid until the next call to Seek or Advance on the same Ring;
// callers that need to retain it past that point must copy it.
type Record struct {
	Header Header
	// Data is the record body, linearized if it wrapped around the end
	// of the mapped region (spec.md §4.1's seek contract).
	Data []byte
}

// Header mirrors struct perf_event_header from <linux/perf_event.h>.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

const headerSize = 8

// Ring is the shared-memory ring buffer over a perf (or custom) mmap
// region: one metadata page followed by 2^n data pages.
type Ring struct {
	kind Kind

	// meta points at the shared control fields. For KindPerf these alias
	// the kernel's struct perf_event_mmap_page Data_head/Data_tail at
	// their ABI-defined offsets; for KindCustom they are the
	// {writer_pos, reader_pos, spinlock} layout of spec.md §6.
	writerPos *uint64
	readerPos *uint64
	spinlock  *uint32 // only used for KindCustom

	data []byte // the 2^n data pages, not including the metadata page
	mask uint64 // len(data) - 1

	scratch []byte // linearization buffer for wrapped records
}

// PageSize is assumed to be the common Linux page size. Callers that
// need the true runtime page size (e.g. when sizing a new mapping)
// should use os.Getpagesize(); it is only a constant here because
// spec.md §6 fixes the metadata page at "one system page" and tests
// construct rings directly over byte slices.
const PageSize = 4096

// Init wires a Ring over base, a mapping of exactly size bytes laid
// out as one metadata page followed by 2^n data pages. It returns
// ErrBadSize if size doesn't fit that shape.
//
// metaOffsetWriter/metaOffsetReader/metaOffsetSpinlock are byte offsets
// within the metadata page; for KindPerf they are the kernel ABI
// offsets of Data_head/Data_tail (see internal/perfevent, which knows
// the real struct perf_event_mmap_page layout); for KindCustom they
// are the 128-byte-aligned offsets spec.md §6 mandates.
func Init(base []byte, size int, kind Kind, metaOffsetWriter, metaOffsetReader, metaOffsetSpinlock int) (*Ring, error) {
	if size <= PageSize {
		return nil, ErrBadSize
	}
	dataSize := size - PageSize
	if dataSize%PageSize != 0 || dataSize&(dataSize-1) != 0 {
		return nil, ErrBadSize
	}
	if len(base) < size {
		return nil, ErrBadSize
	}

	r := &Ring{
		kind:      kind,
		writerPos: (*uint64)(ptrAt(base, metaOffsetWriter)),
		readerPos: (*uint64)(ptrAt(base, metaOffsetReader)),
		data:      base[PageSize : PageSize+dataSize],
		mask:      uint64(dataSize - 1),
	}
	if kind == KindCustom {
		r.spinlock = (*uint32)(ptrAt(base, metaOffsetSpinlock))
	}
	return r, nil
}

// Available returns the current writer position and reader position,
// both atomically loaded,
// per spec.md §4.1.
func (r *Ring) Available() (head, tail uint64, err error) {
	head = atomic.LoadUint64(r.writerPos)
	tail = atomic.LoadUint64(r.readerPos)
	if head < tail || head-tail > uint64(len(r.data)) {
		return head, tail, ErrInconsistent
	}
	return head, tail, nil
}

// Empty reports whether there are no unread bytes.
func (r *Ring) Empty() (bool, error) {
	head, tail, err := r.Available()
	if err != nil {
		return true, err
	}
	return head == tail, nil
}

// Seek returns the record whose header starts at byte offset off
// (a position, not masked), transparently linearizing it if its bytes
// cross the end of the mapped data region. Seek does not advance the
// reader position; call Advance once the record has been consumed.
func (r *Ring) Seek(off uint64) (Record, error) {
	hdrBuf := r.readAt(off, headerSize)
	var hdr Header
	hdr.Type = leUint32(hdrBuf[0:4])
	hdr.Misc = leUint16(hdrBuf[4:6])
	hdr.Size = leUint16(hdrBuf[6:8])

	if hdr.Size < headerSize {
		return Record{}, errors.New("ringbuffer: corrupt record header size")
	}
	body := r.readAt(off+headerSize, int(hdr.Size)-headerSize)
	return Record{Header: hdr, Data: body}, nil
}

// readAt copies (or slices, if contiguous) n bytes starting at ring
// position off, handling wraparound by linearizing into r.scratch.
func (r *Ring) readAt(off uint64, n int) []byte {
	start := off & r.mask
	end := start + uint64(n)
	if end <= uint64(len(r.data)) {
		return r.data[start:end]
	}
	// Wraps: linearize into scratch.
	if cap(r.scratch) < n {
		r.scratch = make([]byte, n)
	}
	r.scratch = r.scratch[:n]
	firstLen := uint64(len(r.data)) - start
	copy(r.scratch, r.data[start:])
	copy(r.scratch[firstLen:], r.data[:uint64(n)-firstLen])
	return r.scratch
}

// Advance release-stores the new reader position, making the consumed
// bytes available for the producer to reuse.
func (r *Ring) Advance(newReaderPos uint64) {
	atomic.StoreUint64(r.readerPos, newReaderPos)
}

// DataSize returns the size of the data region in bytes (2^n pages).
func (r *Ring) DataSize() int { return len(r.data) }

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
