package segment

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akhin/metamalloc-sub000/arena"
	"github.com/akhin/metamalloc-sub000/govm"
	"github.com/akhin/metamalloc-sub000/page"
)

type fakeVM struct {
	pageSize int
	next     uintptr
}

func newFakeVM(pageSize int) *fakeVM {
	return &fakeVM{pageSize: pageSize, next: uintptr(pageSize) * 16}
}

func (f *fakeVM) Allocate(size int, opts govm.Options) (uintptr, []byte, error) {
	rounded := (size + f.pageSize - 1) &^ (f.pageSize - 1)
	buf := make([]byte, rounded)
	addr := f.next
	f.next += uintptr(rounded) + uintptr(f.pageSize)
	return addr, buf, nil
}

func (f *fakeVM) Deallocate(addr uintptr, size int) error { return nil }
func (f *fakeVM) Lock(addr uintptr, size int) error       { return nil }
func (f *fakeVM) Unlock(addr uintptr, size int) error     { return nil }
func (f *fakeVM) PageSize() int                           { return f.pageSize }
func (f *fakeVM) MinimumHugePageSize() int                { return 2 << 20 }
func (f *fakeVM) IsHugePageAvailable() bool                { return false }

func fixedFactory(sizeClass, granularity int) Factory {
	return func(buf []byte) (page.Page, bool) {
		return page.Create(buf, sizeClass, granularity)
	}
}

func anySizeFactory(granularity int) Factory {
	return func(buf []byte) (page.Page, bool) {
		return page.CreateAnySize(buf, granularity, page.Coalesce)
	}
}

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	vm := newFakeVM(4096)
	a := arena.NewWithVM(arena.Config{CacheCapacity: 256 * 1024, PageAlignment: 4096}, vm)
	require.True(t, a.Create())
	return a
}

func newSegment(t *testing.T, cfg Config, factory Factory) *Segment {
	t.Helper()
	a := newTestArena(t)
	buf := a.Allocate(cfg.InitialPages * cfg.LogicalPageSize)
	require.NotNil(t, buf)
	s, ok := Create(buf, a, factory, cfg)
	require.True(t, ok)
	return s
}

func TestSegmentNextFitCursorAdvances(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    3,
		Concurrency:     SingleThread,
		SizeClass:       64,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	first := s.head
	require.NotNil(t, first)

	// Exhaust the first page entirely.
	capacity := (pageSize - page.HeaderSize) / 64
	var ptrs []unsafe.Pointer
	for i := 0; i < capacity; i++ {
		p := s.Allocate(64)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}

	require.Equal(t, first, s.lastUsed)

	// The next allocation must miss page 1 and land in page 2, advancing
	// the cursor (spec §8 scenario 2).
	next := s.Allocate(64)
	require.NotNil(t, next)
	require.NotEqual(t, first, s.lastUsed)
	require.Equal(t, first.next, s.lastUsed)
}

func TestSegmentGrowsUnderCentralPolicy(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    1,
		Concurrency:     Central,
		SizeClass:       64,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	capacity := (pageSize - page.HeaderSize) / 64
	for i := 0; i < capacity; i++ {
		require.NotNil(t, s.Allocate(64))
	}

	before := s.PageCount()
	p := s.Allocate(64)
	require.NotNil(t, p)
	require.Greater(t, s.PageCount(), before)
}

func TestSegmentBoundedNeverGrowsRegardlessOfPolicy(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    1,
		Concurrency:     Central,
		SizeClass:       64,
		GrowCoefficient: 1,
		Bounded:         true,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	capacity := (pageSize - page.HeaderSize) / 64
	for i := 0; i < capacity; i++ {
		require.NotNil(t, s.Allocate(64))
	}

	require.Nil(t, s.Allocate(64))
	require.Equal(t, 1, s.PageCount())
}

func TestSegmentThreadLocalNeverGrows(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    1,
		Concurrency:     ThreadLocal,
		SizeClass:       64,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	capacity := (pageSize - page.HeaderSize) / 64
	for i := 0; i < capacity; i++ {
		require.NotNil(t, s.Allocate(64))
	}

	require.Nil(t, s.Allocate(64))
	require.Equal(t, 1, s.PageCount())
}

func TestSegmentThreadLocalCrossThreadFreeReturnsViaQueue(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    1,
		Concurrency:     ThreadLocal,
		SizeClass:       64,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	p := s.Allocate(64)
	require.NotNil(t, p)

	// Simulate a foreign thread freeing p: Deallocate always enqueues
	// under ThreadLocal, regardless of caller (spec §8 scenario 6).
	s.Deallocate(p)
	require.Equal(t, 1, s.dq.topCount)

	// The owning goroutine's next Allocate must drain the queue and
	// hoist the freed pointer straight back out.
	reclaimed := s.Allocate(64)
	require.Equal(t, p, reclaimed)
	require.Equal(t, 0, s.dq.topCount)
}

func TestSegmentRecyclesEmptyPagesImmediately(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize:    pageSize,
		InitialPages:       2,
		Concurrency:        SingleThread,
		SizeClass:          64,
		GrowCoefficient:    1,
		Recycling:          Immediate,
		RecyclingThreshold: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	second := s.head.next
	require.NotNil(t, second)

	p := second.pg.Allocate(64)
	require.NotNil(t, p)

	s.Deallocate(p)

	require.Equal(t, 1, s.PageCount())
	require.Equal(t, s.head, s.tail)
}

func TestSegmentRecyclingDeferredKeepsEmptyPages(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize:    pageSize,
		InitialPages:       2,
		Concurrency:        SingleThread,
		SizeClass:          64,
		GrowCoefficient:    1,
		Recycling:          Deferred,
		RecyclingThreshold: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	second := s.head.next
	p := second.pg.Allocate(64)
	s.Deallocate(p)

	require.Equal(t, 2, s.PageCount())

	s.RecycleFreeLogicalPages()
	require.Equal(t, 1, s.PageCount())
}

func TestSegmentOwnsPointerBoundedThreadLocal(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    2,
		Concurrency:     ThreadLocal,
		SizeClass:       64,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))

	p := s.Allocate(64)
	require.True(t, s.OwnsPointer(p))

	outside := unsafe.Pointer(uintptr(0xdeadbeef))
	require.False(t, s.OwnsPointer(outside))
}

func TestSegmentAlignedIndexDispatchesO1(t *testing.T) {
	const pageSize = 4096
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    2,
		Concurrency:     Central,
		SizeClass:       64,
		GrowCoefficient: 1,
		Aligned:         true,
	}
	s := newSegment(t, cfg, fixedFactory(64, 4096))
	require.Len(t, s.index, 2)

	p := s.Allocate(64)
	require.NotNil(t, p)
	s.Deallocate(p) // exercises the index-based lookup path; must not panic
}

func TestSegmentTransferLogicalPagesFrom(t *testing.T) {
	const pageSize = 4096
	cfgA := Config{LogicalPageSize: pageSize, InitialPages: 1, Concurrency: ThreadLocal, SizeClass: 64, GrowCoefficient: 1}
	cfgB := Config{LogicalPageSize: pageSize, InitialPages: 1, Concurrency: Central, SizeClass: 64, GrowCoefficient: 1}

	dying := newSegment(t, cfgA, fixedFactory(64, 4096))
	central := newSegment(t, cfgB, fixedFactory(64, 4096))

	central.TransferLogicalPagesFrom(dying)

	require.Equal(t, 0, dying.PageCount())
	require.Equal(t, 2, central.PageCount())
}

func TestSegmentAnySizeAllocateAndDeallocate(t *testing.T) {
	const pageSize = 8192
	cfg := Config{
		LogicalPageSize: pageSize,
		InitialPages:    1,
		Concurrency:     SingleThread,
		SupportsAnySize: true,
		GrowCoefficient: 1,
	}
	s := newSegment(t, cfg, anySizeFactory(4096))

	a := s.Allocate(100)
	b := s.Allocate(200)
	require.NotNil(t, a)
	require.NotNil(t, b)

	s.Deallocate(a)
	s.Deallocate(b)
	require.True(t, s.head.pg.IsEmpty())
}
