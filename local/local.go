// Package local implements the bounded, single-threaded allocator use
// case of spec.md §1(a): one Arena plus one heap.PowerOfTwo built with
// SingleThread segments, for call sites that want allocation guaranteed
// never to touch a syscall or a lock after Create.
package local

import (
	"errors"
	"unsafe"

	"github.com/akhin/metamalloc-sub000/config"
	"github.com/akhin/metamalloc-sub000/heap"
	"github.com/akhin/metamalloc-sub000/internal/debug"
	"github.com/akhin/metamalloc-sub000/segment"
)

// ErrCreateFailed is returned by New when the underlying arena or heap
// could not be constructed (e.g. an invalid configuration).
var ErrCreateFailed = errors.New("local: allocator create failed")

// Allocator is a single-goroutine allocator: no locking anywhere on its
// hot path, since SingleThread segments assume sole ownership.
type Allocator struct {
	h *heap.PowerOfTwo
}

// New constructs an Allocator from cfg. Every segment uses
// segment.SingleThread and segment.Immediate recycling, and cfg.Bounded
// is forced to true regardless of the value the caller set: local.Allocator
// always promises a fixed page-count envelope with no growth past
// Create time (spec.md §1(a)).
func New(cfg config.HeapConfig) (*Allocator, error) {
	cfg.Bounded = true
	h, ok := heap.New(cfg, segment.SingleThread, segment.Immediate)
	if !ok {
		return nil, ErrCreateFailed
	}
	return &Allocator{h: h}, nil
}

// Allocate returns size bytes, or nil on failure.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	ptr := a.h.Allocate(size)
	debug.Log("local.Allocator.Allocate", "size=%d -> %p", size, ptr)
	return ptr
}

// AllocateAligned returns size bytes aligned to align.
func (a *Allocator) AllocateAligned(size, align int) unsafe.Pointer {
	return a.h.AllocateAligned(size, align)
}

// Deallocate returns ptr's chunk to its owning page. A no-op if ptr
// isn't owned by this allocator.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	a.h.Deallocate(ptr)
}

// GetUsableSize returns the usable size of the allocation at ptr, or -1
// if ptr isn't owned by this allocator.
func (a *Allocator) GetUsableSize(ptr unsafe.Pointer) int {
	return a.h.GetUsableSize(ptr)
}

// OwnsPointer reports whether ptr was handed out by this allocator.
func (a *Allocator) OwnsPointer(ptr unsafe.Pointer) bool {
	return a.h.OwnsPointer(ptr)
}

// Close releases every empty page irrespective of recycling threshold,
// then releases the arena's still-unused cache tail back to the OS
// (spec.md:62, spec.md:134). Pages still holding live allocations are
// left in place, matching the scalable allocator's own shutdown
// contract in scalloc.Allocator.Shutdown.
func (a *Allocator) Close() error {
	a.h.ReleaseAllEmptyPages()
	return a.h.Destroy()
}
