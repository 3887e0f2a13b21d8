package ringbuffer

import "unsafe"

// ptrAt returns a pointer to the byte at offset off within base. It is
// only used to alias the shared metadata fields (writer/reader
// positions, spinlock) at their ABI-defined offsets; all actual data
// reads go through readAt's bounds-checked slicing.
func ptrAt(base []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&base[off])
}
