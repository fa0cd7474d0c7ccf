package page

import "unsafe"

// Page is the interface segment.Segment is generic over, satisfied by
// both LogicalPage and LogicalPageAnySize.
type Page interface {
	Allocate(size int) unsafe.Pointer
	Deallocate(ptr unsafe.Pointer)
	OwnsPointer(ptr unsafe.Pointer) bool
	SupportsAnySize() bool
	UsableSize(ptr unsafe.Pointer) int
	UsedSize() uint64
	IsEmpty() bool
	PageStart() uintptr
	PageSize() int
}

var (
	_ Page = (*LogicalPage)(nil)
	_ Page = (*LogicalPageAnySize)(nil)
)
