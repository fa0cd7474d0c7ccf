package page

import "unsafe"

// anySizeHeaderLen is the 16-byte inline header preceding every live
// allocation, and the layout free nodes reuse (spec §4.3).
const anySizeHeaderLen = 16

// minBlockSize is the minimum block size and minimum alignment for
// LogicalPageAnySize (spec §4.3).
const minBlockSize = 16

// CoalescePolicy selects whether Deallocate merges adjacent free blocks.
type CoalescePolicy int

const (
	// Coalesce merges a freed block with its physically adjacent free
	// neighbours.
	Coalesce CoalescePolicy = iota
	// NoCoalescing skips merging, trading fragmentation for a cheaper
	// freelist (spec §4.3).
	NoCoalescing
)

// liveHeader is the 16-byte header written immediately before every live
// allocation's payload.
type liveHeader struct {
	padding   uint64 // padding bytes placed before this header, for alignment fixups
	blockSize uint64 // total block size including header and padding
}

// freeNode is the 16-byte layout free blocks use, overlapping the same
// bytes a liveHeader would occupy at the block's origin.
type freeNode struct {
	next      uintptr
	blockSize uint64
}

// LogicalPageAnySize manages a buffer as a single address-sorted
// singly-linked freelist of variable-size blocks (spec §3, §4.3).
type LogicalPageAnySize struct {
	hdr      *LogicalPageHeader
	buf      []byte
	coalesce CoalescePolicy
}

// CreateAnySize initializes buf as one free node spanning the whole
// buffer. Fails if len(buf) <= 16 or buf is not page-aligned.
func CreateAnySize(buf []byte, osPageGranularity int, coalesce CoalescePolicy) (*LogicalPageAnySize, bool) {
	if len(buf) <= minBlockSize {
		return nil, false
	}
	if !isPageAligned(buf, osPageGranularity) {
		return nil, false
	}

	hdr := (*LogicalPageHeader)(unsafe.Pointer(&buf[0]))
	payload := buf[HeaderSize:]

	p := &LogicalPageAnySize{hdr: hdr, buf: buf, coalesce: coalesce}

	*hdr = LogicalPageHeader{
		SizeClass:     0,
		PageStartAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		PageSize:      uint64(len(buf)),
	}

	origin := uintptr(unsafe.Pointer(&payload[0]))
	head := (*freeNode)(unsafe.Pointer(origin))
	head.next = 0
	head.blockSize = uint64(len(payload))
	hdr.FreelistHead = origin

	return p, true
}

func padTo(addr uintptr, align uintptr) uintptr {
	rem := addr % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

// Allocate rounds size up to the 16-byte floor, walks the freelist
// first-fit, splits off any excess >= 16 bytes as a new free node, and
// returns a pointer to the payload (spec §4.3).
func (p *LogicalPageAnySize) Allocate(size int) unsafe.Pointer {
	if size < minBlockSize {
		size = minBlockSize
	} else {
		size = int(roundup(uint64(size), minBlockSize))
	}

	var prev *freeNode
	var prevAddr uintptr
	cur := p.hdr.FreelistHead

	for cur != 0 {
		node := (*freeNode)(unsafe.Pointer(cur))
		payloadStart := cur + anySizeHeaderLen
		padding := padTo(payloadStart, minBlockSize)
		required := uint64(size) + anySizeHeaderLen + padding

		if node.blockSize >= required {
			excess := node.blockSize - required
			if excess >= minBlockSize {
				newNodeAddr := cur + uintptr(required)
				newNode := (*freeNode)(unsafe.Pointer(newNodeAddr))
				newNode.next = node.next
				newNode.blockSize = excess
				p.unlink(prev, prevAddr, newNodeAddr)
			} else {
				required += excess
				p.unlink(prev, prevAddr, node.next)
			}

			hdrAddr := cur + padding
			h := (*liveHeader)(unsafe.Pointer(hdrAddr))
			h.padding = uint64(padding)
			h.blockSize = required

			p.hdr.UsedSize += required
			p.hdr.SetUsed(true)

			return unsafe.Pointer(hdrAddr + anySizeHeaderLen)
		}

		prev = node
		prevAddr = cur
		cur = node.next
	}

	return nil
}

// unlink splices node `replacement` (may be 0) in place of the node at
// addr currently pointed to by prev (or the freelist head if prev is
// nil).
func (p *LogicalPageAnySize) unlink(prev *freeNode, prevAddr, replacement uintptr) {
	if prev == nil {
		p.hdr.FreelistHead = replacement
		return
	}
	prev.next = replacement
}

// Deallocate recovers the freed block's origin and size from its
// liveHeader, reinserts it into the address-sorted freelist, and merges
// with physically adjacent neighbours under the Coalesce policy
// (spec §4.3).
func (p *LogicalPageAnySize) Deallocate(ptr unsafe.Pointer) {
	if !p.OwnsPointer(ptr) {
		return
	}

	hdrAddr := uintptr(ptr) - anySizeHeaderLen
	h := (*liveHeader)(unsafe.Pointer(hdrAddr))
	origin := hdrAddr - uintptr(h.padding)
	blockSize := h.blockSize

	p.hdr.UsedSize -= blockSize
	if p.hdr.UsedSize == 0 {
		p.hdr.SetUsed(false)
	}

	n := (*freeNode)(unsafe.Pointer(origin))
	n.blockSize = blockSize

	// insert by address order
	var prev *freeNode
	var prevAddr uintptr
	cur := p.hdr.FreelistHead
	for cur != 0 && cur < origin {
		node := (*freeNode)(unsafe.Pointer(cur))
		prev = node
		prevAddr = cur
		cur = node.next
	}
	n.next = cur
	p.unlink(prev, prevAddr, origin)

	if p.coalesce == Coalesce {
		p.coalesceAround(prev, prevAddr, origin, n)
	}
}

func (p *LogicalPageAnySize) coalesceAround(prev *freeNode, prevAddr, addr uintptr, n *freeNode) {
	// merge with next neighbour if physically adjacent
	if n.next != 0 && addr+uintptr(n.blockSize) == n.next {
		next := (*freeNode)(unsafe.Pointer(n.next))
		n.blockSize += next.blockSize
		n.next = next.next
	}

	// merge with previous neighbour if physically adjacent
	if prev != nil && prevAddr+uintptr(prev.blockSize) == addr {
		prev.blockSize += n.blockSize
		prev.next = n.next
	}
}

// OwnsPointer reports whether ptr's payload falls within this page.
func (p *LogicalPageAnySize) OwnsPointer(ptr unsafe.Pointer) bool {
	if len(p.buf) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(&p.buf[0]))
	end := start + uintptr(len(p.buf))
	addr := uintptr(ptr)
	return addr >= start && addr < end
}

// SupportsAnySize reports true.
func (p *LogicalPageAnySize) SupportsAnySize() bool { return true }

// UsableSize returns the usable payload size of the block at ptr.
func (p *LogicalPageAnySize) UsableSize(ptr unsafe.Pointer) int {
	hdrAddr := uintptr(ptr) - anySizeHeaderLen
	h := (*liveHeader)(unsafe.Pointer(hdrAddr))
	return int(h.blockSize) - anySizeHeaderLen
}

// UsedSize returns the number of bytes currently allocated out of this
// page (including per-allocation header/padding overhead).
func (p *LogicalPageAnySize) UsedSize() uint64 { return p.hdr.UsedSize }

// IsEmpty reports whether the page has zero live allocations.
func (p *LogicalPageAnySize) IsEmpty() bool { return p.hdr.UsedSize == 0 }

// PageStart returns the address of the first byte of the page.
func (p *LogicalPageAnySize) PageStart() uintptr { return uintptr(unsafe.Pointer(&p.buf[0])) }

// PageSize returns the total size in bytes of the page's backing buffer.
func (p *LogicalPageAnySize) PageSize() int { return len(p.buf) }

// FreeNodeCount walks the freelist and counts its nodes; exposed for
// tests verifying the coalescing invariant of spec §8 scenario 3.
func (p *LogicalPageAnySize) FreeNodeCount() int {
	n := 0
	cur := p.hdr.FreelistHead
	for cur != 0 {
		n++
		node := (*freeNode)(unsafe.Pointer(cur))
		cur = node.next
	}
	return n
}

func roundup(n, m uint64) uint64 { return (n + m - 1) &^ (m - 1) }

// sumFreeBlockSizes walks the freelist and totals block sizes; exposed
// for tests verifying the page-§8 invariant, which here reads
// used_size + sum(free block sizes) == page_size - HeaderSize, since the
// page header occupies the first HeaderSize bytes of the buffer.
func (p *LogicalPageAnySize) sumFreeBlockSizes() int {
	sum := 0
	cur := p.hdr.FreelistHead
	for cur != 0 {
		node := (*freeNode)(unsafe.Pointer(cur))
		sum += int(node.blockSize)
		cur = node.next
	}
	return sum
}
