// Package heap composes segment.Segment instances into a complete
// allocator heap and provides heap.PowerOfTwo, the reference
// implementation sketched in spec §4.6.
package heap

import "unsafe"

// Heap is the interface local.Allocator and scalloc's per-thread slots
// and central heap all share (spec §3, §4.6).
type Heap interface {
	Allocate(size int) unsafe.Pointer
	AllocateAligned(size, align int) unsafe.Pointer
	Deallocate(ptr unsafe.Pointer)
	GetUsableSize(ptr unsafe.Pointer) int
	OwnsPointer(ptr unsafe.Pointer) bool
	// TransferPagesFrom splices every page owned by other into this
	// heap's matching segments, leaving other empty (spec §4.5, §8
	// scenario 5).
	TransferPagesFrom(other Heap)
}
