// Package page implements the two logical-page kinds of the allocator
// core: LogicalPage, a fixed size-class LIFO freelist, and
// LogicalPageAnySize, a first-fit coalescing freelist for variable-size
// allocations (spec §3, §4.2, §4.3).
//
// Both are generalizations of the teacher's page/node freelist threading
// in _examples/cznic-memory/memory.go, split into two explicit kinds
// instead of the teacher's single "log2 size class, 0 means big object"
// encoding, and given an explicit 64-byte header as spec §3 requires.
package page

import "unsafe"

// Flag bits for LogicalPageHeader.Flags.
const (
	FlagIsUsed Flags = 1 << iota
	FlagIsDirty
	FlagIsLocked
	FlagIsHugePage
)

// Flags is the 16-bit flag field of a LogicalPageHeader.
type Flags uint16

// HeaderSize is the fixed, spec-mandated size of LogicalPageHeader: 64
// bytes (spec §3).
const HeaderSize = 64

// LogicalPageHeader is the 64-byte POD placed at the first bytes of
// every logical page (spec §3).
//
// Field layout mirrors the spec's description exactly; the trailing pad
// field exists purely to make sizeof(LogicalPageHeader) == 64 on amd64,
// matching the spec's explicit "2 bytes padding" at the end.
type LogicalPageHeader struct {
	FreelistHead  uintptr // offset/pointer to the head of the freelist
	Next          uintptr // sibling pointers within a segment's page list
	Prev          uintptr
	UsedSize      uint64
	PageStartAddr uint64
	PageSize      uint64
	LastUsedHint  uint64
	SizeClass     uint32 // 0 == variable size (LogicalPageAnySize)
	Flags         Flags
	pad           [2]byte
}

func init() {
	if unsafe.Sizeof(LogicalPageHeader{}) != HeaderSize {
		panic("page: LogicalPageHeader is not 64 bytes")
	}
}

// IsUsed reports whether FlagIsUsed is set.
func (h *LogicalPageHeader) IsUsed() bool { return h.Flags&FlagIsUsed != 0 }

// SetUsed sets or clears FlagIsUsed.
func (h *LogicalPageHeader) SetUsed(used bool) {
	if used {
		h.Flags |= FlagIsUsed
	} else {
		h.Flags &^= FlagIsUsed
	}
}
