package segment

// ConcurrencyPolicy governs locking and growability on every segment
// entry point (spec §4.4 table).
type ConcurrencyPolicy int

const (
	// SingleThread: growable, no locking at all. For a segment only ever
	// touched by one goroutine (local.Allocator).
	SingleThread ConcurrencyPolicy = iota
	// Central: growable, a segment-wide spinlock guards allocate and
	// deallocate.
	Central
	// ThreadLocal: never grows past its initial page count. The owning
	// goroutine is the sole mutator of the freelist and page list;
	// foreign frees only ever touch the spinlock-guarded deallocation
	// queue.
	ThreadLocal
)

// PageRecyclingPolicy governs when an emptied logical page is unlinked
// and released back to the arena (spec §4.4).
type PageRecyclingPolicy int

const (
	// Immediate recycles an empty page as soon as it empties, provided
	// the segment's page count still exceeds its recycling threshold.
	Immediate PageRecyclingPolicy = iota
	// Deferred only recycles when RecycleFreeLogicalPages is explicitly
	// invoked.
	Deferred
)
