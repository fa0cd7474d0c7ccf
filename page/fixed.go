package page

import (
	"unsafe"
)

// minSizeClass is the smallest chunk size a LogicalPage may be created
// with (spec §3: "size class (>= 8 bytes)").
const minSizeClass = 8

// node is the freelist link threaded through every free chunk, written
// into the first bytes of the chunk itself — the same technique as the
// teacher's `node` struct in memory.go, generalized from a global
// per-size-class list to one list per page.
type node struct {
	next uintptr
}

// LogicalPage manages a contiguous buffer as a LIFO singly-linked list
// of equal-sized chunks (spec §3, §4.2).
type LogicalPage struct {
	hdr       *LogicalPageHeader
	buf       []byte
	sizeClass int
}

// Create carves buf into (len(buf)-HeaderSize)/sizeClass equal chunks and
// threads them onto a freelist. Fails if buf is too small for sizeClass,
// sizeClass < 8, or neither buf nor buf[-HeaderSize:] starts at an OS
// page-aligned address (spec §4.2).
func Create(buf []byte, sizeClass int, osPageGranularity int) (*LogicalPage, bool) {
	if len(buf) < sizeClass || sizeClass < minSizeClass {
		return nil, false
	}
	if !isPageAligned(buf, osPageGranularity) {
		return nil, false
	}

	hdr := (*LogicalPageHeader)(unsafe.Pointer(&buf[0]))
	payload := buf[HeaderSize:]

	p := &LogicalPage{hdr: hdr, buf: buf, sizeClass: sizeClass}

	*hdr = LogicalPageHeader{
		SizeClass:     uint32(sizeClass),
		PageStartAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		PageSize:      uint64(len(buf)),
	}

	count := len(payload) / sizeClass
	base := uintptr(unsafe.Pointer(&payload[0]))
	var head uintptr
	for i := count - 1; i >= 0; i-- {
		addr := base + uintptr(i*sizeClass)
		n := (*node)(unsafe.Pointer(addr))
		n.next = head
		head = addr
	}
	hdr.FreelistHead = head

	return p, true
}

func isPageAligned(buf []byte, granularity int) bool {
	if len(buf) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if addr%uintptr(granularity) == 0 {
		return true
	}
	// the caller may have embedded the header object immediately before
	// the payload and passed the payload start; also accept buf-HeaderSize
	// being aligned (spec §3 header-address invariant).
	return (addr - HeaderSize)%uintptr(granularity) == 0
}

// Allocate pops the freelist head. The size argument is ignored (every
// chunk is sizeClass bytes); it exists to satisfy the shared Page
// interface used by segment.Segment.
func (p *LogicalPage) Allocate(_ int) unsafe.Pointer {
	head := p.hdr.FreelistHead
	if head == 0 {
		return nil
	}

	n := (*node)(unsafe.Pointer(head))
	p.hdr.FreelistHead = n.next
	p.hdr.UsedSize += uint64(p.sizeClass)
	p.hdr.SetUsed(true)
	return unsafe.Pointer(head)
}

// Deallocate pushes ptr's chunk back onto the freelist. If ptr is not
// within the page's chunk area this is a no-op. The chunk origin is
// recomputed by masking off sizeClass-1 low bits of ptr's offset from the
// first chunk (the page start plus HeaderSize), which tolerates the "over-allocate then shift for alignment" pattern
// used by allocate_aligned implementations upstream (spec §4.2).
func (p *LogicalPage) Deallocate(ptr unsafe.Pointer) {
	if !p.OwnsPointer(ptr) {
		return
	}

	chunkBase := uintptr(unsafe.Pointer(&p.buf[0])) + HeaderSize
	if uintptr(ptr) < chunkBase {
		return
	}
	off := uintptr(ptr) - chunkBase
	mask := uintptr(p.sizeClass - 1)
	chunkOff := off &^ mask
	chunkAddr := chunkBase + chunkOff

	n := (*node)(unsafe.Pointer(chunkAddr))
	n.next = p.hdr.FreelistHead
	p.hdr.FreelistHead = chunkAddr

	p.hdr.UsedSize -= uint64(p.sizeClass)
	if p.hdr.UsedSize == 0 {
		p.hdr.SetUsed(false)
	}
}

// OwnsPointer reports whether ptr falls within this page's buffer.
func (p *LogicalPage) OwnsPointer(ptr unsafe.Pointer) bool {
	if len(p.buf) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(&p.buf[0]))
	end := start + uintptr(len(p.buf))
	addr := uintptr(ptr)
	return addr >= start && addr < end
}

// SupportsAnySize reports false: LogicalPage serves only its fixed size
// class.
func (p *LogicalPage) SupportsAnySize() bool { return false }

// UsableSize returns the page's size class for any pointer it owns.
func (p *LogicalPage) UsableSize(unsafe.Pointer) int { return p.sizeClass }

// SizeClass returns the fixed chunk size this page serves.
func (p *LogicalPage) SizeClass() int { return p.sizeClass }

// UsedSize returns the number of bytes currently allocated out of this
// page.
func (p *LogicalPage) UsedSize() uint64 { return p.hdr.UsedSize }

// IsEmpty reports whether the page has zero live chunks.
func (p *LogicalPage) IsEmpty() bool { return p.hdr.UsedSize == 0 }

// PageStart returns the address of the first byte of the page (the
// header address), used by segments that place pages at page-size
// aligned addresses for O(1) deallocation dispatch.
func (p *LogicalPage) PageStart() uintptr { return uintptr(unsafe.Pointer(&p.buf[0])) }

// PageSize returns the total size in bytes of the page's backing buffer.
func (p *LogicalPage) PageSize() int { return len(p.buf) }

// Capacity returns how many chunks the page holds in total.
func (p *LogicalPage) Capacity() int { return (len(p.buf) - HeaderSize) / p.sizeClass }
