// Package scalloc implements the process-wide ScalableAllocator of spec
// §3/§4.5: per-thread isolation with central failover and thread-exit
// page donation.
package scalloc

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/akhin/metamalloc-sub000/config"
	"github.com/akhin/metamalloc-sub000/heap"
	"github.com/akhin/metamalloc-sub000/internal/cas"
	"github.com/akhin/metamalloc-sub000/internal/debug"
	"github.com/akhin/metamalloc-sub000/internal/tlocal"
	"github.com/akhin/metamalloc-sub000/page"
	"github.com/akhin/metamalloc-sub000/segment"
	"github.com/akhin/metamalloc-sub000/stats"
)

// ErrAllocationFailed is raised by OperatorNew/OperatorNewAligned when
// allocation fails and no new-handler is installed (spec §4.5
// "operator new ... raising an allocation-failure signal").
var ErrAllocationFailed = errors.New("scalloc: allocation failed")

// NewHandler is invoked by OperatorNew* on out-of-memory, mirroring the
// C++ std::new_handler the spec's operator_new* wrappers consult.
type NewHandler func()

// slot is one thread's private heap plus the index it occupies in the
// allocator's slot table, used for linear-probe ownership checks on the
// deallocation path (spec §4.5).
type slot struct {
	index int
	heap  *heap.PowerOfTwo
}

// Allocator is the process-wide singleton of spec §4.5: a central heap,
// a dense slot table of per-thread heaps, and one TLS handle mapping the
// calling goroutine to its slot.
//
// The spec's "metadata buffer" carrying the per-thread heap table is, in
// this Go rendition, an ordinary growable slice guarded by its own
// spinlock (slotLock) rather than a hand-carved byte buffer: ScalableAllocator's table
// is bookkeeping, not a hot-path allocation structure, so there is no
// correctness or performance reason to model it with unsafe.Pointer
// arithmetic the way LogicalPage's freelists must be.
type Allocator struct {
	cfg     config.ScallocConfig
	central *heap.PowerOfTwo

	initLock     cas.Spinlock
	initialised  atomic.Bool
	shuttingDown atomic.Bool

	slotLock cas.Spinlock
	slots    []*slot

	tls *tlocal.Local[*slot]

	handlerLock cas.Spinlock
	newHandler  NewHandler

	// stats is nil unless EnableStats is called; every Collector method
	// is a no-op on a nil receiver, so the hot paths below call it
	// unconditionally rather than branching on a separate "enabled" flag.
	stats *stats.Collector
}

// New constructs an Allocator from cfg without creating its central
// heap; Create (or the first allocating call) performs that
// lazily, matching spec §5's re-entrancy requirement ("the allocator may
// be called during process-wide static initialisation before create has
// run").
func New(cfg config.ScallocConfig) *Allocator {
	a := &Allocator{cfg: cfg}
	a.tls = tlocal.New(a.onThreadExit)
	return a
}

// Create eagerly performs the one-shot central-heap initialization. Safe
// to call multiple times and safe to omit: every allocating entry point
// calls it lazily on first use. Deallocate and GetUsableSize do not;
// before initialization they are no-ops (GetUsableSize returns -1).
func (a *Allocator) Create() bool {
	a.initLock.Lock()
	defer a.initLock.Unlock()
	return a.createLocked()
}

func (a *Allocator) createLocked() bool {
	if a.initialised.Load() {
		return true
	}
	central, ok := heap.New(a.cfg.Heap, segment.Central, segment.Deferred)
	if !ok {
		return false
	}
	a.central = central
	a.initialised.Store(true)
	return true
}

func (a *Allocator) ensureInit() bool {
	if a.initialised.Load() {
		return true
	}
	return a.Create()
}

// threadSlot returns the calling goroutine's heap slot, creating one on
// first touch (spec §4.5 "per-thread heap acquisition").
func (a *Allocator) threadSlot() *slot {
	if s := a.tls.Get(); s != nil {
		return s
	}

	a.slotLock.Lock()
	defer a.slotLock.Unlock()

	h, ok := heap.New(a.cfg.Heap, segment.ThreadLocal, segment.Deferred)
	if !ok {
		return nil
	}
	s := &slot{index: len(a.slots), heap: h}
	a.slots = append(a.slots, s)
	a.tls.Set(s)
	debug.Log("scalloc.Allocator.threadSlot", "created slot %d", s.index)
	return s
}

// onThreadExit runs (best-effort — see internal/tlocal's doc comment)
// once a thread's slot becomes unreachable. It donates the dying
// thread's pages to the central heap unless the process is shutting
// down (spec §4.5 "thread exit").
func (a *Allocator) onThreadExit(s *slot) {
	if s == nil || !a.initialised.Load() || a.shuttingDown.Load() {
		return
	}
	debug.Log("scalloc.Allocator.onThreadExit", "slot %d donating pages", s.index)
	a.central.TransferPagesFrom(s.heap)
}

// EnableStats installs an allocation-statistics collector (spec.md's
// "statistics collection", named out of core scope but carried here as
// optional informative glue — see stats package doc). Passing nil turns
// collection back off.
//
// Call this before the first Allocate/Create: it also stores c on
// a.cfg.Heap so every heap created afterward (the central heap, and any
// thread slot) records page grows/recycles into it. A heap already
// created before EnableStats runs keeps whatever collector it was built
// with.
func (a *Allocator) EnableStats(c *stats.Collector) {
	a.stats = c
	a.cfg.Heap.Stats = c
}

// Stats returns the installed Collector, or nil if EnableStats was
// never called.
func (a *Allocator) Stats() *stats.Collector {
	return a.stats
}

// Allocate implements spec §4.5's allocate(size): try the calling
// thread's slot first, fall back to the central heap.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	if !a.ensureInit() {
		a.stats.RecordFailure()
		return nil
	}

	if s := a.threadSlot(); s != nil {
		if ptr := s.heap.Allocate(size); ptr != nil {
			a.stats.RecordAllocate(size)
			return ptr
		}
	}

	ptr := a.central.Allocate(size)
	if ptr == nil {
		a.stats.RecordFailure()
		return nil
	}
	a.stats.RecordAllocate(size)
	return ptr
}

// AllocateAligned implements spec §4.5's allocate_aligned: for
// align <= 16 it is Allocate(size); otherwise it over-allocates
// size+align and shifts, recovered on Deallocate by the receiving
// page's realignment logic.
func (a *Allocator) AllocateAligned(size, align int) unsafe.Pointer {
	if align <= 16 {
		return a.Allocate(size)
	}

	raw := a.Allocate(size + align)
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

// AllocateAndZero implements spec §4.5's allocate_and_zero_memory(n, k):
// allocate n*k bytes, zero-filled.
func (a *Allocator) AllocateAndZero(n, k int) unsafe.Pointer {
	size := n * k
	ptr := a.Allocate(size)
	if ptr == nil {
		return nil
	}
	zero(ptr, size)
	return ptr
}

func zero(ptr unsafe.Pointer, size int) {
	b := unsafe.Slice((*byte)(ptr), size)
	for i := range b {
		b[i] = 0
	}
}

// Deallocate implements spec §4.5's deallocate(ptr): linear-probe the
// active thread-local slots, falling back to the central heap on miss.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil || !a.initialised.Load() {
		return
	}

	a.slotLock.Lock()
	slots := a.slots
	a.slotLock.Unlock()

	freed := a.GetUsableSize(ptr)
	if freed < 0 {
		freed = 0
	}

	for _, s := range slots {
		if s.heap.OwnsPointer(ptr) {
			s.heap.Deallocate(ptr)
			a.stats.RecordDeallocate(freed)
			return
		}
	}

	a.central.Deallocate(ptr)
	a.stats.RecordDeallocate(freed)
}

// GetUsableSize implements spec §4.5's get_usable_size(ptr).
func (a *Allocator) GetUsableSize(ptr unsafe.Pointer) int {
	if ptr == nil || !a.initialised.Load() {
		return -1
	}

	a.slotLock.Lock()
	slots := a.slots
	a.slotLock.Unlock()

	for _, s := range slots {
		if s.heap.OwnsPointer(ptr) {
			return s.heap.GetUsableSize(ptr)
		}
	}

	return a.central.GetUsableSize(ptr)
}

// Reallocate implements a realloc: allocate newSize, copy
// min(oldUsable, newSize) bytes, free ptr. A nil ptr behaves as
// Allocate; a newSize of 0 behaves as Deallocate and returns nil.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	if ptr == nil {
		return a.Allocate(newSize)
	}
	if newSize == 0 {
		a.Deallocate(ptr)
		return nil
	}

	oldSize := a.GetUsableSize(ptr)
	next := a.Allocate(newSize)
	if next == nil {
		return nil
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	if copySize > 0 {
		src := unsafe.Slice((*byte)(ptr), copySize)
		dst := unsafe.Slice((*byte)(next), copySize)
		copy(dst, src)
	}

	a.Deallocate(ptr)
	a.stats.RecordReallocate()
	return next
}

// AlignedReallocate is Reallocate with an alignment requirement on the
// returned pointer.
func (a *Allocator) AlignedReallocate(ptr unsafe.Pointer, newSize, align int) unsafe.Pointer {
	if ptr == nil {
		return a.AllocateAligned(newSize, align)
	}
	if newSize == 0 {
		a.Deallocate(ptr)
		return nil
	}

	oldSize := a.GetUsableSize(ptr)
	next := a.AllocateAligned(newSize, align)
	if next == nil {
		return nil
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	if copySize > 0 {
		src := unsafe.Slice((*byte)(ptr), copySize)
		dst := unsafe.Slice((*byte)(next), copySize)
		copy(dst, src)
	}

	a.Deallocate(ptr)
	a.stats.RecordReallocate()
	return next
}

// SetNewHandler installs the callback OperatorNew*/consults on
// out-of-memory, mirroring std::set_new_handler (spec §4.5).
func (a *Allocator) SetNewHandler(h NewHandler) {
	a.handlerLock.Lock()
	defer a.handlerLock.Unlock()
	a.newHandler = h
}

// OperatorNew implements spec §4.5's operator_new(n): calls Allocate;
// on nil, invokes the installed new-handler if any, else panics with
// ErrAllocationFailed (Go's analogue of "raising an allocation-failure
// signal").
func (a *Allocator) OperatorNew(n int) unsafe.Pointer {
	return a.operatorNew(func() unsafe.Pointer { return a.Allocate(n) })
}

// OperatorNewAligned implements spec §4.5's operator_new_aligned(n, a).
func (a *Allocator) OperatorNewAligned(n, align int) unsafe.Pointer {
	return a.operatorNew(func() unsafe.Pointer { return a.AllocateAligned(n, align) })
}

func (a *Allocator) operatorNew(try func() unsafe.Pointer) unsafe.Pointer {
	if ptr := try(); ptr != nil {
		return ptr
	}

	a.handlerLock.Lock()
	h := a.newHandler
	a.handlerLock.Unlock()

	if h != nil {
		h()
		if ptr := try(); ptr != nil {
			return ptr
		}
	}

	panic(ErrAllocationFailed)
}

// Shutdown marks the allocator as shutting down: TLS destructors that
// still fire afterward become no-ops, every segment with live
// allocations is reported rather than released (spec §4.5 "process
// exit"), and every page with zero use is fully destructed and released
// without regard to any segment's recycling threshold (spec.md:134),
// after which each heap's arena releases its still-unused cache tail
// (spec.md:62).
func (a *Allocator) Shutdown() {
	a.initLock.Lock()
	defer a.initLock.Unlock()
	a.shuttingDown.Store(true)

	a.slotLock.Lock()
	slots := a.slots
	a.slotLock.Unlock()

	for _, s := range slots {
		reportLeaks(s.heap)
	}
	if a.central != nil {
		reportLeaks(a.central)
	}
}

func reportLeaks(h *heap.PowerOfTwo) {
	h.WalkNonEmptyPages(func(pg page.Page) {
		debug.Log("scalloc.Shutdown", "leak: page=%#x used_size=%d", pg.PageStart(), pg.UsedSize())
	})
	h.ReleaseAllEmptyPages()
	if err := h.Destroy(); err != nil {
		debug.Log("scalloc.Shutdown", "arena destroy: %v", err)
	}
}
