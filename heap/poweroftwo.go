package heap

import (
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/akhin/metamalloc-sub000/arena"
	"github.com/akhin/metamalloc-sub000/config"
	"github.com/akhin/metamalloc-sub000/internal/debug"
	"github.com/akhin/metamalloc-sub000/page"
	"github.com/akhin/metamalloc-sub000/segment"
)

// minSizeClass and maxSizeClass bound the eight fixed segments of
// PowerOfTwo (spec §4.6).
const (
	minSizeClass = 16
	maxSizeClass = 2048
)

// sizeClassIndex rounds size up to the next power of two, clamps to
// minSizeClass, and maps it to {0..7}; size classes grounded on the
// teacher's `log := uint(mathutil.BitLen(roundup(size, align) - 1))`
// slot index computation in memory.go, generalized from "log2 of the
// rounded size" to "log2(size) - 4" since classes here start at 16, not 1.
func sizeClassIndex(size int) int {
	if size < minSizeClass {
		size = minSizeClass
	}
	rounded := 1 << uint(mathutil.BitLen(size-1))
	return mathutil.BitLen(rounded-1) - 4
}

// PowerOfTwo is the reference heap of spec §4.6: eight fixed size-class
// segments for {16,32,64,128,256,512,1024,2048} plus one any-size
// segment for everything above 2048.
type PowerOfTwo struct {
	a        *arena.Arena
	fixed    [8]*segment.Segment
	anySize  *segment.Segment
	policy   segment.ConcurrencyPolicy
	recycle  segment.PageRecyclingPolicy
}

// New constructs a PowerOfTwo heap backed by its own Arena, with every
// segment using the given concurrency and recycling policy.
func New(cfg config.HeapConfig, policy segment.ConcurrencyPolicy, recycle segment.PageRecyclingPolicy) (*PowerOfTwo, bool) {
	a := arena.New(arena.Config{
		CacheCapacity:  cfg.CacheCapacity,
		PageAlignment:  cfg.PageAlignment,
		Policy:         cfg.VMPolicy,
		NUMANode:       cfg.NUMANode,
		ZeroOnAllocate: cfg.ZeroOnAllocate,
		Lock:           lockPolicyFor(policy),
	})
	if !a.Create() {
		return nil, false
	}
	return newPowerOfTwoWithArena(a, cfg, policy, recycle)
}

func lockPolicyFor(policy segment.ConcurrencyPolicy) arena.LockPolicy {
	if policy == segment.SingleThread || policy == segment.ThreadLocal {
		return arena.NoLock
	}
	return arena.Spinlock
}

func newPowerOfTwoWithArena(a *arena.Arena, cfg config.HeapConfig, policy segment.ConcurrencyPolicy, recycle segment.PageRecyclingPolicy) (*PowerOfTwo, bool) {
	h := &PowerOfTwo{a: a, policy: policy, recycle: recycle}

	granularity := a.OSPageGranularity()

	for i, sizeClass := range config.DefaultSizeClasses {
		initialPages := 1
		if i < len(cfg.BinPageCounts) {
			initialPages = cfg.BinPageCounts[i]
		}
		if initialPages <= 0 {
			initialPages = 1
		}

		sc := sizeClass
		factory := func(buf []byte) (page.Page, bool) {
			return page.Create(buf, sc, granularity)
		}

		buf := a.Allocate(initialPages * cfg.LogicalPageSize)
		if buf == nil {
			return nil, false
		}

		segCfg := segment.Config{
			LogicalPageSize:               cfg.LogicalPageSize,
			InitialPages:                  initialPages,
			Concurrency:                   policy,
			Recycling:                     recycle,
			RecyclingThreshold:            cfg.PageRecyclingThreshold,
			GrowCoefficient:               cfg.GrowCoefficient,
			Aligned:                       true,
			SizeClass:                     sizeClass,
			DeallocationQueueInitialBytes: cfg.DeallocationQueueInitialBytes,
			Bounded:                       cfg.Bounded,
			Stats:                         cfg.Stats,
		}

		seg, ok := segment.Create(buf, a, factory, segCfg)
		if !ok {
			return nil, false
		}
		h.fixed[i] = seg
	}

	anyPages := cfg.AnySizeInitialPages
	if anyPages <= 0 {
		anyPages = 1
	}
	anyFactory := func(buf []byte) (page.Page, bool) {
		return page.CreateAnySize(buf, granularity, page.Coalesce)
	}
	anyBuf := a.Allocate(anyPages * cfg.LogicalPageSize)
	if anyBuf == nil {
		return nil, false
	}
	anyCfg := segment.Config{
		LogicalPageSize:               cfg.LogicalPageSize,
		InitialPages:                  anyPages,
		Concurrency:                   policy,
		Recycling:                     recycle,
		RecyclingThreshold:            cfg.PageRecyclingThreshold,
		GrowCoefficient:               cfg.GrowCoefficient,
		Aligned:                       true,
		SupportsAnySize:               true,
		DeallocationQueueInitialBytes: cfg.DeallocationQueueInitialBytes,
		Bounded:                       cfg.Bounded,
		Stats:                         cfg.Stats,
	}
	anySeg, ok := segment.Create(anyBuf, a, anyFactory, anyCfg)
	if !ok {
		return nil, false
	}
	h.anySize = anySeg

	return h, true
}

// Allocate implements Heap (spec §4.6).
func (h *PowerOfTwo) Allocate(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	if size > maxSizeClass {
		ptr := h.anySize.Allocate(size)
		debug.Log("PowerOfTwo.Allocate", "big size=%d -> %p", size, ptr)
		return ptr
	}
	idx := sizeClassIndex(size)
	ptr := h.fixed[idx].Allocate(size)
	debug.Log("PowerOfTwo.Allocate", "size=%d class=%d -> %p", size, idx, ptr)
	return ptr
}

// AllocateAligned implements Heap's over-allocate-and-shift strategy
// for alignments beyond the natural 16-byte minimum (spec §4.5).
func (h *PowerOfTwo) AllocateAligned(size, align int) unsafe.Pointer {
	if align <= 16 {
		return h.Allocate(size)
	}

	raw := h.Allocate(size + align)
	if raw == nil {
		return nil
	}
	addr := uintptr(raw)
	mod := addr % uintptr(align)
	if mod == 0 {
		return raw
	}
	return unsafe.Pointer(addr + uintptr(align) - mod)
}

// Deallocate implements Heap: asks the big-object segment first, then
// asks each fixed segment in turn whether it owns ptr and hands ptr to
// the first owner. The size class is not read from the page header, so
// the lookup cost grows with the number of fixed segments and, for
// unbounded segments, with their page counts.
func (h *PowerOfTwo) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if h.anySize.OwnsPointer(ptr) {
		h.anySize.Deallocate(ptr)
		return
	}
	for _, seg := range h.fixed {
		if seg.OwnsPointer(ptr) {
			seg.Deallocate(ptr)
			return
		}
	}
}

// GetUsableSize implements Heap.
func (h *PowerOfTwo) GetUsableSize(ptr unsafe.Pointer) int {
	if h.anySize.OwnsPointer(ptr) {
		return h.anySize.GetUsableSize(ptr)
	}
	for _, seg := range h.fixed {
		if seg.OwnsPointer(ptr) {
			return seg.GetUsableSize(ptr)
		}
	}
	return -1
}

// OwnsPointer implements Heap.
func (h *PowerOfTwo) OwnsPointer(ptr unsafe.Pointer) bool {
	if h.anySize.OwnsPointer(ptr) {
		return true
	}
	for _, seg := range h.fixed {
		if seg.OwnsPointer(ptr) {
			return true
		}
	}
	return false
}

// TransferPagesFrom splices every page of other (itself a *PowerOfTwo)
// into the matching segment of h, used on thread exit to donate a dying
// thread's heap to the central heap (spec §4.5, §8 scenario 5).
func (h *PowerOfTwo) TransferPagesFrom(other Heap) {
	o, ok := other.(*PowerOfTwo)
	if !ok {
		return
	}
	for i := range h.fixed {
		h.fixed[i].TransferLogicalPagesFrom(o.fixed[i])
	}
	h.anySize.TransferLogicalPagesFrom(o.anySize)
}

// RecycleFreeLogicalPages runs every segment's threshold-gated
// RecycleFreeLogicalPages, whatever the segment's recycling policy
// (spec §4.4).
func (h *PowerOfTwo) RecycleFreeLogicalPages() {
	for _, seg := range h.fixed {
		seg.RecycleFreeLogicalPages()
	}
	h.anySize.RecycleFreeLogicalPages()
}

// ReleaseAllEmptyPages unconditionally releases every empty page across
// all segments, ignoring each segment's recycling threshold (spec.md:134
// process-exit teardown, distinct from the threshold-gated
// RecycleFreeLogicalPages above).
func (h *PowerOfTwo) ReleaseAllEmptyPages() {
	for _, seg := range h.fixed {
		seg.ReleaseAllEmptyPages()
	}
	h.anySize.ReleaseAllEmptyPages()
}

// WalkNonEmptyPages invokes fn for every page, across every segment,
// whose UsedSize is nonzero (spec §4.5 "process exit" leak report).
func (h *PowerOfTwo) WalkNonEmptyPages(fn func(pg page.Page)) {
	for _, seg := range h.fixed {
		seg.WalkNonEmptyPages(fn)
	}
	h.anySize.WalkNonEmptyPages(fn)
}

// Destroy releases the still-unused tail of this heap's arena cache
// (spec.md:62 "destroy releases only the still-unused tail"). Pages
// already handed out to segments are not released by Destroy; call
// ReleaseAllEmptyPages first to reclaim those.
func (h *PowerOfTwo) Destroy() error {
	return h.a.Destroy()
}

var _ Heap = (*PowerOfTwo)(nil)
