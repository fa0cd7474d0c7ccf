package segment

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akhin/metamalloc-sub000/arena"
)

func newQueueTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	vm := newFakeVM(4096)
	a := arena.NewWithVM(arena.Config{CacheCapacity: 1 << 20, PageAlignment: 4096}, vm)
	require.True(t, a.Create())
	return a
}

func TestDeallocationQueuePushPopIsLIFO(t *testing.T) {
	q := NewDeallocationQueue(newQueueTestArena(t), 0)

	a := unsafe.Pointer(uintptr(0x1000))
	b := unsafe.Pointer(uintptr(0x2000))
	q.Push(a)
	q.Push(b)

	require.Equal(t, b, q.Pop())
	require.Equal(t, a, q.Pop())
	require.Nil(t, q.Pop())
}

func TestDeallocationQueueSpansMultiplePages(t *testing.T) {
	q := NewDeallocationQueue(newQueueTestArena(t), 0)

	const n = pointerPageCapacity + 10
	for i := 0; i < n; i++ {
		q.Push(unsafe.Pointer(uintptr(i + 1)))
	}

	for i := n - 1; i >= 0; i-- {
		require.Equal(t, unsafe.Pointer(uintptr(i+1)), q.Pop())
	}
	require.Nil(t, q.Pop())
}

func TestDeallocationQueueDrainAllVisitsEverythingOnce(t *testing.T) {
	q := NewDeallocationQueue(newQueueTestArena(t), 0)

	const n = pointerPageCapacity + 5
	for i := 0; i < n; i++ {
		q.Push(unsafe.Pointer(uintptr(i + 1)))
	}

	seen := 0
	count := q.DrainAll(func(unsafe.Pointer) { seen++ })
	require.Equal(t, n, count)
	require.Equal(t, n, seen)
	require.Nil(t, q.Pop())
}

func TestDeallocationQueueReservedSparesAreReused(t *testing.T) {
	q := NewDeallocationQueue(newQueueTestArena(t), 2*pointerPageSize)
	require.Len(t, q.spares, 2)

	// Filling the first page and rolling over into a second draws both
	// pages from the reserved spares rather than the metadata allocator.
	for i := 0; i < pointerPageCapacity+1; i++ {
		q.Push(unsafe.Pointer(uintptr(i + 1)))
	}
	require.Len(t, q.spares, 0)
}

func TestDeallocationQueueDrainRecyclesEmptiedPagesAsSpares(t *testing.T) {
	q := NewDeallocationQueue(newQueueTestArena(t), 0)

	for i := 0; i < pointerPageCapacity+1; i++ {
		q.Push(unsafe.Pointer(uintptr(i + 1)))
	}
	require.Equal(t, 0, len(q.spares))

	q.DrainAll(func(unsafe.Pointer) {})
	require.Greater(t, len(q.spares), 0)
}
