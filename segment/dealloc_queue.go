package segment

import (
	"unsafe"

	"github.com/akhin/metamalloc-sub000/arena"
	"github.com/akhin/metamalloc-sub000/internal/cas"
)

// pointerPageCapacity is the number of pointer slots per 64 KiB pointer
// page: (65536 - 16-byte prev/next header) / 8 bytes per pointer = 8190
// (spec §3).
const pointerPageCapacity = 8190

// pointerPageSize is the fixed 64 KiB size of every pointer page.
const pointerPageSize = 16 + pointerPageCapacity*8

type pointerPageHeader struct {
	prev uintptr
	next uintptr
}

func init() {
	if unsafe.Sizeof(pointerPageHeader{}) != 16 {
		panic("segment: pointerPageHeader is not 16 bytes")
	}
}

func slotAddr(pageAddr uintptr, i int) uintptr {
	return pageAddr + 16 + uintptr(i)*8
}

// DeallocationQueue is an unbounded thread-safe LIFO of pointers, stored
// in a doubly-linked list of 64 KiB pointer pages, each carrying 8190
// pointers (spec §3). It is the MPSC return channel for a THREAD_LOCAL
// segment: foreign threads push, the owning thread drains.
type DeallocationQueue struct {
	a    *arena.Arena
	lock cas.Spinlock

	top      uintptr // address of the current (topmost) pointer page, or 0
	topCount int      // number of live slots used in the top page

	// spares holds pointer pages freed by a drain but not yet released to
	// the arena, reused by the next Push that needs a fresh page instead
	// of touching the metadata allocator again. Pre-seeded by
	// initialCapacityBytes (spec §6 "deallocation_queue_initial_capacity").
	spares []uintptr
}

// NewDeallocationQueue creates an empty queue backed by a's metadata
// allocator (bypassing its cache, per spec §4.4), pre-reserving enough
// spare pointer pages to cover initialCapacityBytes so the first
// initialCapacityBytes/pointerPageSize pages of deallocation traffic
// never touch the metadata allocator.
func NewDeallocationQueue(a *arena.Arena, initialCapacityBytes int) *DeallocationQueue {
	q := &DeallocationQueue{a: a}

	for reserved := 0; reserved < initialCapacityBytes; reserved += pointerPageSize {
		buf := a.MetadataAllocate(pointerPageSize)
		if buf == nil {
			break
		}
		q.spares = append(q.spares, uintptr(unsafe.Pointer(&buf[0])))
	}

	return q
}

func (q *DeallocationQueue) takePage() uintptr {
	if n := len(q.spares); n > 0 {
		addr := q.spares[n-1]
		q.spares = q.spares[:n-1]
		return addr
	}
	buf := q.a.MetadataAllocate(pointerPageSize)
	if buf == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (q *DeallocationQueue) newPage(prev uintptr) uintptr {
	addr := q.takePage()
	if addr == 0 {
		return 0
	}
	h := (*pointerPageHeader)(unsafe.Pointer(addr))
	h.prev = prev
	h.next = 0
	if prev != 0 {
		ph := (*pointerPageHeader)(unsafe.Pointer(prev))
		ph.next = addr
	}
	return addr
}

// Push enqueues ptr. Safe for concurrent use by any number of foreign
// threads.
func (q *DeallocationQueue) Push(ptr unsafe.Pointer) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.top == 0 || q.topCount == pointerPageCapacity {
		page := q.newPage(q.top)
		if page == 0 {
			// Metadata allocator exhausted: the spec has no recovery
			// path for this (deallocation never raises); the pointer is
			// dropped, which leaks the chunk rather than corrupting
			// state.
			return
		}
		q.top = page
		q.topCount = 0
	}

	*(*uintptr)(unsafe.Pointer(slotAddr(q.top, q.topCount))) = uintptr(ptr)
	q.topCount++
}

// Pop dequeues and returns the most recently pushed pointer, or nil if
// the queue is empty.
func (q *DeallocationQueue) Pop() unsafe.Pointer {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.popLocked()
}

func (q *DeallocationQueue) popLocked() unsafe.Pointer {
	for q.top != 0 && q.topCount == 0 {
		h := (*pointerPageHeader)(unsafe.Pointer(q.top))
		emptyPage := q.top
		q.top = h.prev
		if q.top != 0 {
			q.topCount = pointerPageCapacity
			nh := (*pointerPageHeader)(unsafe.Pointer(q.top))
			nh.next = 0
		} else {
			q.topCount = 0
		}
		q.spares = append(q.spares, emptyPage)
	}

	if q.top == 0 {
		return nil
	}

	q.topCount--
	addr := *(*uintptr)(unsafe.Pointer(slotAddr(q.top, q.topCount)))
	return unsafe.Pointer(addr)
}

// DrainAll pops every pointer currently queued and invokes fn for each,
// oldest-pushed-last (LIFO order), per spec §4.4's drain-on-allocate
// behavior. Returns the number of pointers drained.
func (q *DeallocationQueue) DrainAll(fn func(ptr unsafe.Pointer)) int {
	q.lock.Lock()
	defer q.lock.Unlock()

	n := 0
	for {
		p := q.popLocked()
		if p == nil {
			break
		}
		fn(p)
		n++
	}
	return n
}
