package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akhin/metamalloc-sub000/arena"
	"github.com/akhin/metamalloc-sub000/config"
	"github.com/akhin/metamalloc-sub000/govm"
	"github.com/akhin/metamalloc-sub000/segment"
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

func testHeapConfig() config.HeapConfig {
	cfg := config.DefaultHeapConfig()
	cfg.LogicalPageSize = 4096
	cfg.CacheCapacity = 1 << 20
	cfg.PageAlignment = 4096
	return cfg
}

func newTestHeap(t *testing.T, policy segment.ConcurrencyPolicy) *PowerOfTwo {
	t.Helper()
	vm := newFakeVM(4096)
	a := arena.NewWithVM(arena.Config{CacheCapacity: 1 << 20, PageAlignment: 4096}, vm)
	require.True(t, a.Create())

	h, ok := newPowerOfTwoWithArena(a, testHeapConfig(), policy, segment.Immediate)
	require.True(t, ok)
	return h
}

func TestSizeClassIndexMapping(t *testing.T) {
	cases := map[int]int{16: 0, 17: 1, 32: 1, 33: 2, 2048: 7}
	for size, want := range cases {
		require.Equal(t, want, sizeClassIndex(size), "size=%d", size)
	}
}

func TestPowerOfTwoAllocateRoutesToFixedClass(t *testing.T) {
	h := newTestHeap(t, segment.Central)

	p := h.Allocate(20)
	require.NotNil(t, p)
	require.True(t, h.fixed[1].OwnsPointer(p))
	require.GreaterOrEqual(t, h.GetUsableSize(p), 20)
}

func TestPowerOfTwoAllocateBigGoesToAnySize(t *testing.T) {
	h := newTestHeap(t, segment.Central)

	p := h.Allocate(3000)
	require.NotNil(t, p)
	require.True(t, h.anySize.OwnsPointer(p))
}

func TestPowerOfTwoDeallocateDispatchesCorrectly(t *testing.T) {
	h := newTestHeap(t, segment.Central)

	small := h.Allocate(16)
	big := h.Allocate(3000)
	require.NotNil(t, small)
	require.NotNil(t, big)

	h.Deallocate(small)
	h.Deallocate(big)
	require.False(t, h.OwnsPointer(unsafe.Pointer(uintptr(0x1))))
}

func TestPowerOfTwoAllocateAlignedOverAllocatesForLargeAlignment(t *testing.T) {
	h := newTestHeap(t, segment.Central)

	p := h.AllocateAligned(32, 128)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%128)
}

func TestPowerOfTwoTransferPagesFromThreadLocal(t *testing.T) {
	central := newTestHeap(t, segment.Central)
	dying := newTestHeap(t, segment.ThreadLocal)

	before := central.fixed[0].PageCount()
	central.TransferPagesFrom(dying)
	require.Greater(t, central.fixed[0].PageCount(), before)
	require.Equal(t, 0, dying.fixed[0].PageCount())
}
