// Package segment implements the spec's "heart of the design": a list of
// logical pages of one kind, with growth, recycling, and cross-thread
// deallocation handling under one of three concurrency policies
// (spec §3, §4.4).
package segment

import (
	"unsafe"

	"github.com/akhin/metamalloc-sub000/arena"
	"github.com/akhin/metamalloc-sub000/internal/cas"
	"github.com/akhin/metamalloc-sub000/page"
	"github.com/akhin/metamalloc-sub000/stats"
)

// Factory constructs a page.Page over a freshly obtained, page-aligned
// buffer. One Segment always uses exactly one Factory (one logical-page
// kind), selected at construction, per spec §9's "compile-time policy
// selection" guidance expressed here as a field fixed at Create time
// rather than a generic type parameter — a page.Page is already
// interface-dispatched, so a second layer of generics over it would add
// ceremony without removing any dispatch from the hot path.
type Factory func(buf []byte) (page.Page, bool)

// Config configures a Segment at creation time (spec §3, §6).
type Config struct {
	LogicalPageSize int
	InitialPages    int

	Concurrency ConcurrencyPolicy
	Recycling   PageRecyclingPolicy

	// RecyclingThreshold is the minimum page count to keep after a
	// recycle pass.
	RecyclingThreshold int
	// GrowCoefficient: 0 means "grow by the minimum"; positive means
	// max(minimum, floor(count*coef)).
	GrowCoefficient float64

	// Aligned, when true, asserts that LogicalPageSize-aligned addresses
	// are handed out for every page, enabling O(1) deallocation dispatch
	// (spec §4.4, §9).
	Aligned bool

	// SizeClass is the fixed chunk size this segment's pages serve, or 0
	// for an any-size (LogicalPageAnySize) segment. Used only by
	// calculateGrowSize's two formulas (spec §4.4).
	SizeClass int
	// SupportsAnySize mirrors page.Page.SupportsAnySize() for the
	// segment's page kind.
	SupportsAnySize bool

	// DeallocationQueueInitialBytes sizes the pre-reserved spare-page pool
	// of a ThreadLocal segment's deallocation queue (spec §6); ignored by
	// other concurrency policies.
	DeallocationQueueInitialBytes int

	// Bounded, when true, forbids growth past InitialPages regardless of
	// Concurrency (spec.md §1(a)). ThreadLocal segments are always
	// bounded this way already; Bounded extends the same behavior to
	// SingleThread and Central segments.
	Bounded bool

	// Stats, if non-nil, receives page grow/recycle counts. Optional
	// informative glue (spec.md's own "statistics collection" out-of-scope
	// item); leave nil to skip it entirely.
	Stats *stats.Collector
}

type pageNode struct {
	pg         page.Page
	next, prev *pageNode
}

// Segment is a doubly-linked list of logical pages of one kind, plus a
// next-fit cursor, growth/recycling policy, and (under ThreadLocal) a
// deallocation queue (spec §3, §4.4).
type Segment struct {
	cfg     Config
	a       *arena.Arena
	factory Factory

	lock cas.Spinlock // Central: guards the whole segment. ThreadLocal: unused (dq has its own).
	dq   *DeallocationQueue

	head, tail *pageNode
	lastUsed   *pageNode
	pageCount  int

	index map[uintptr]*pageNode // Aligned==true: pageStart -> node, for O(1) dispatch

	initialStart uintptr // used by bounded segments only: bounded address range
	initialEnd   uintptr
}

// Create validates cfg and carves buf into cfg.InitialPages logical
// pages via factory. Fails if LogicalPageSize isn't a non-zero multiple
// of the arena's OS page granularity, InitialPages <= 0, buf or a is
// nil, or len(buf) doesn't cover InitialPages pages (spec §4.4).
func Create(buf []byte, a *arena.Arena, factory Factory, cfg Config) (*Segment, bool) {
	if a == nil || buf == nil || factory == nil {
		return nil, false
	}
	if cfg.LogicalPageSize <= 0 || cfg.LogicalPageSize%a.OSPageGranularity() != 0 {
		return nil, false
	}
	if cfg.InitialPages <= 0 {
		return nil, false
	}
	if len(buf) < cfg.InitialPages*cfg.LogicalPageSize {
		return nil, false
	}

	s := &Segment{cfg: cfg, a: a, factory: factory}
	if cfg.Aligned {
		s.index = make(map[uintptr]*pageNode)
	}
	if cfg.Concurrency == ThreadLocal {
		s.dq = NewDeallocationQueue(a, cfg.DeallocationQueueInitialBytes)
	}

	if !s.growFromBuffer(buf, cfg.InitialPages) {
		return nil, false
	}

	s.initialStart = uintptr(unsafe.Pointer(&buf[0]))
	s.initialEnd = s.initialStart + uintptr(len(buf))

	return s, true
}

func (s *Segment) growFromBuffer(buf []byte, count int) bool {
	for i := 0; i < count; i++ {
		pageBuf := buf[i*s.cfg.LogicalPageSize : (i+1)*s.cfg.LogicalPageSize]
		pg, ok := s.factory(pageBuf)
		if !ok {
			return false
		}
		s.linkPage(pg)
	}
	return true
}

func (s *Segment) linkPage(pg page.Page) {
	n := &pageNode{pg: pg}
	if s.tail == nil {
		s.head, s.tail = n, n
	} else {
		n.prev = s.tail
		s.tail.next = n
		s.tail = n
	}
	s.pageCount++
	if s.index != nil {
		s.index[pg.PageStart()] = n
	}
}

func (s *Segment) unlinkPage(n *pageNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	if s.lastUsed == n {
		s.lastUsed = nil
	}
	if s.index != nil {
		delete(s.index, n.pg.PageStart())
	}
	s.pageCount--
}

// bounded reports whether this segment never grows: always true for
// ThreadLocal (spec §4.4), also true for any policy when cfg.Bounded is
// set (spec.md §1(a)'s fixed-envelope local allocator).
func (s *Segment) bounded() bool {
	return s.cfg.Concurrency == ThreadLocal || s.cfg.Bounded
}

// PageCount returns the number of logical pages currently linked into
// this segment.
func (s *Segment) PageCount() int { return s.pageCount }

// Allocate serves size bytes from this segment, applying the
// concurrency policy's locking and (ThreadLocal) deallocation-queue
// drain rules (spec §4.4 table).
func (s *Segment) Allocate(size int) unsafe.Pointer {
	switch s.cfg.Concurrency {
	case ThreadLocal:
		return s.allocateThreadLocal(size)
	case Central:
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.allocateInternal(size)
	default: // SingleThread
		return s.allocateInternal(size)
	}
}

// allocateThreadLocal drains the deallocation queue first: the first
// drained pointer, if any, is returned directly to the caller without
// ever re-entering the freelist logic; the remainder are deallocated
// normally (spec §4.4).
func (s *Segment) allocateThreadLocal(size int) unsafe.Pointer {
	var first unsafe.Pointer
	gotFirst := false

	s.dq.DrainAll(func(ptr unsafe.Pointer) {
		if !gotFirst {
			first = ptr
			gotFirst = true
			return
		}
		s.deallocateInternal(ptr)
	})

	if gotFirst {
		return first
	}
	return s.allocateInternal(size)
}

// allocateInternal implements the next-fit traversal and grow-on-miss
// logic common to all three concurrency policies (spec §4.4).
func (s *Segment) allocateInternal(size int) unsafe.Pointer {
	if size > s.cfg.LogicalPageSize-page.HeaderSize {
		return nil
	}

	if ptr, ok := s.tryAllocateFromList(size); ok {
		return ptr
	}

	if s.bounded() {
		return nil
	}

	grow := s.calculateGrowSize(size)
	if !s.growFromArena(grow) {
		minimum := s.minimumGrowSize(size)
		if minimum == grow || !s.growFromArena(minimum) {
			return nil
		}
	}

	ptr, _ := s.tryAllocateFromList(size)
	return ptr
}

// tryAllocateFromList walks the page list starting at lastUsed (or head
// if never allocated), wrapping around exactly once (spec §4.4 next-fit
// cursor, spec §8 scenario 2).
func (s *Segment) tryAllocateFromList(size int) (unsafe.Pointer, bool) {
	if s.head == nil {
		return nil, false
	}

	start := s.lastUsed
	if start == nil {
		start = s.head
	}

	n := start
	for {
		if ptr := n.pg.Allocate(size); ptr != nil {
			s.lastUsed = n
			return ptr, true
		}

		n = n.next
		if n == nil {
			n = s.head
		}
		if n == start {
			break
		}
	}

	return nil, false
}

func (s *Segment) minimumGrowSize(size int) int {
	avail := s.cfg.LogicalPageSize - page.HeaderSize
	if s.cfg.SupportsAnySize {
		return ceilDiv(size+16, avail)
	}
	sc := s.cfg.SizeClass
	if sc <= 0 {
		sc = size
	}
	return ceilDiv(sc*(size/maxInt(sc, 1)), avail)
}

// calculateGrowSize is spec §4.4's grow-on-miss sizing formula.
func (s *Segment) calculateGrowSize(size int) int {
	minimum := s.minimumGrowSize(size)
	desired := int(float64(s.pageCount) * s.cfg.GrowCoefficient)
	if desired < minimum {
		desired = minimum
	}
	if desired <= 0 {
		desired = minimum
	}
	return desired
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 1
	}
	if a <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Segment) growFromArena(pages int) bool {
	if pages <= 0 {
		pages = 1
	}
	buf := s.a.Allocate(pages * s.cfg.LogicalPageSize)
	if buf == nil {
		return false
	}
	ok := s.growFromBuffer(buf, pages)
	if ok {
		s.cfg.Stats.RecordPageGrow()
	}
	return ok
}

// Deallocate returns ptr's chunk to its owning page, applying the
// concurrency policy's locking rules. Under ThreadLocal, every
// Deallocate call unconditionally enqueues onto the deallocation queue
// regardless of caller identity (spec §4.4 table: "push pointer onto
// the lock-guarded deallocation queue and return"); the owning goroutine
// reclaims it on its next Allocate.
func (s *Segment) Deallocate(ptr unsafe.Pointer) {
	switch s.cfg.Concurrency {
	case ThreadLocal:
		s.dq.Push(ptr)
	case Central:
		s.lock.Lock()
		defer s.lock.Unlock()
		s.deallocateInternal(ptr)
	default: // SingleThread
		s.deallocateInternal(ptr)
	}
}

func (s *Segment) deallocateInternal(ptr unsafe.Pointer) {
	n := s.findOwningPage(ptr)
	if n == nil {
		return // not owned: silent no-op, per spec §7
	}

	n.pg.Deallocate(ptr)

	if !n.pg.IsEmpty() {
		return
	}

	if s.cfg.Recycling == Immediate && s.pageCount > s.cfg.RecyclingThreshold {
		s.recyclePage(n)
	}
}

func (s *Segment) findOwningPage(ptr unsafe.Pointer) *pageNode {
	if s.index != nil {
		masked := uintptr(ptr) &^ uintptr(s.cfg.LogicalPageSize-1)
		if n, ok := s.index[masked]; ok {
			return n
		}
		return nil
	}

	for n := s.head; n != nil; n = n.next {
		if n.pg.OwnsPointer(ptr) {
			return n
		}
	}
	return nil
}

func (s *Segment) recyclePage(n *pageNode) {
	s.unlinkPage(n)
	_ = s.a.ReleaseToSystem(n.pg.PageStart(), n.pg.PageSize())
	s.cfg.Stats.RecordPageRecycle()
}

// OwnsPointer reports whether ptr belongs to one of this segment's
// pages. O(1) for bounded segments (ThreadLocal, or Bounded set), whose
// pages all lie in the contiguous initial buffer; a linked-list scan
// otherwise (spec §4.4).
func (s *Segment) OwnsPointer(ptr unsafe.Pointer) bool {
	if s.bounded() {
		addr := uintptr(ptr)
		return addr >= s.initialStart && addr < s.initialEnd
	}

	for n := s.head; n != nil; n = n.next {
		if n.pg.OwnsPointer(ptr) {
			return true
		}
	}
	return false
}

// GetUsableSize returns the usable size of the allocation at ptr, or -1
// if ptr isn't owned by this segment.
func (s *Segment) GetUsableSize(ptr unsafe.Pointer) int {
	n := s.findOwningPageScan(ptr)
	if n == nil {
		return -1
	}
	return n.pg.UsableSize(ptr)
}

func (s *Segment) findOwningPageScan(ptr unsafe.Pointer) *pageNode {
	if s.index != nil {
		masked := uintptr(ptr) &^ uintptr(s.cfg.LogicalPageSize-1)
		if n, ok := s.index[masked]; ok {
			return n
		}
		return nil
	}
	for n := s.head; n != nil; n = n.next {
		if n.pg.OwnsPointer(ptr) {
			return n
		}
	}
	return nil
}

// TransferLogicalPagesFrom splices every page of other into self,
// leaving other empty. Used on thread exit to donate a dying thread's
// pages to the central heap (spec §4.4, §4.5, §8 scenario 5).
func (s *Segment) TransferLogicalPagesFrom(other *Segment) {
	if other.head == nil {
		return
	}

	for n := other.head; n != nil; n = n.next {
		if s.index != nil {
			s.index[n.pg.PageStart()] = n
		}
	}

	if s.tail == nil {
		s.head = other.head
	} else {
		s.tail.next = other.head
		other.head.prev = s.tail
	}
	s.tail = other.tail
	s.pageCount += other.pageCount

	other.head, other.tail, other.lastUsed = nil, nil, nil
	other.pageCount = 0
	if other.index != nil {
		other.index = make(map[uintptr]*pageNode)
	}
}

// WalkNonEmptyPages invokes fn for every page in this segment whose
// UsedSize is nonzero, used by the scalable allocator's shutdown leak
// report (spec §4.5 "process exit").
func (s *Segment) WalkNonEmptyPages(fn func(pg page.Page)) {
	for n := s.head; n != nil; n = n.next {
		if !n.pg.IsEmpty() {
			fn(n.pg)
		}
	}
}

// RecycleFreeLogicalPages unlinks and releases every empty page while
// the segment's page count exceeds its recycling threshold (spec §4.4,
// spec.md:113 "recycle_free_logical_pages()").
func (s *Segment) RecycleFreeLogicalPages() {
	n := s.head
	for n != nil && s.pageCount > s.cfg.RecyclingThreshold {
		next := n.next
		if n.pg.IsEmpty() {
			s.recyclePage(n)
		}
		n = next
	}
}

// ReleaseAllEmptyPages unconditionally unlinks and releases every empty
// page, ignoring RecyclingThreshold. This is distinct from
// RecycleFreeLogicalPages: spec.md:134 describes process-exit teardown
// as "pages with zero use are fully destructed and released" with no
// threshold, matching `destroy()` in
// _examples/original_source/include/segment.h rather than that same
// file's threshold-gated `recycle_logical_page` helper.
func (s *Segment) ReleaseAllEmptyPages() {
	n := s.head
	for n != nil {
		next := n.next
		if n.pg.IsEmpty() {
			s.recyclePage(n)
		}
		n = next
	}
}
