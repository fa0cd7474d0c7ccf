// Package stats is the optional allocation-statistics collector named in
// spec.md's own Out-of-scope list ("statistics collection"). It is pure
// ambient glue: nothing in scalloc or heap requires it, and an Allocator
// with a nil Collector behaves exactly as if this package didn't exist.
//
// Counters are updated with plain atomic adds rather than under a lock,
// the same tradeoff the Go runtime makes for its own mstats counters:
// approximate-but-cheap beats exact-but-contended on a hot allocation
// path.
package stats

import "sync/atomic"

// Collector accumulates allocation counters for a single heap or
// allocator instance. The zero value is ready to use.
type Collector struct {
	allocations   atomic.Uint64
	deallocations atomic.Uint64
	bytesRequested atomic.Uint64
	bytesFreed    atomic.Uint64
	reallocations atomic.Uint64
	pageGrows     atomic.Uint64
	pageRecycles  atomic.Uint64
	failures      atomic.Uint64
}

// Snapshot is a consistent-enough point-in-time read of a Collector's
// counters. "Consistent enough" because, like mstats, the individual
// fields are read independently and not under one lock.
type Snapshot struct {
	Allocations    uint64
	Deallocations  uint64
	BytesRequested uint64
	BytesFreed     uint64
	Reallocations  uint64
	PageGrows      uint64
	PageRecycles   uint64
	Failures       uint64
}

// LiveBytes is BytesRequested minus BytesFreed — an approximation of
// live heap size, not an exact figure, since usable size can exceed the
// originally requested size.
func (s Snapshot) LiveBytes() int64 {
	return int64(s.BytesRequested) - int64(s.BytesFreed)
}

// RecordAllocate records a successful allocation of size bytes. Callers
// should skip this on failure and call RecordFailure instead.
func (c *Collector) RecordAllocate(size int) {
	if c == nil {
		return
	}
	c.allocations.Add(1)
	c.bytesRequested.Add(uint64(size))
}

// RecordDeallocate records a deallocation that freed size usable bytes.
func (c *Collector) RecordDeallocate(size int) {
	if c == nil {
		return
	}
	c.deallocations.Add(1)
	c.bytesFreed.Add(uint64(size))
}

// RecordReallocate records a successful Reallocate/AlignedReallocate
// call, independent of the RecordAllocate/RecordDeallocate pair it
// triggers internally.
func (c *Collector) RecordReallocate() {
	if c == nil {
		return
	}
	c.reallocations.Add(1)
}

// RecordPageGrow records a segment growing by one or more logical pages
// (spec §4.4's calculate_grow_size path).
func (c *Collector) RecordPageGrow() {
	if c == nil {
		return
	}
	c.pageGrows.Add(1)
}

// RecordPageRecycle records a logical page being returned to its arena
// by a segment's recycling policy.
func (c *Collector) RecordPageRecycle() {
	if c == nil {
		return
	}
	c.pageRecycles.Add(1)
}

// RecordFailure records an allocation that returned nil.
func (c *Collector) RecordFailure() {
	if c == nil {
		return
	}
	c.failures.Add(1)
}

// Snapshot reads every counter. Safe on a nil Collector, returning the
// zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Allocations:    c.allocations.Load(),
		Deallocations:  c.deallocations.Load(),
		BytesRequested: c.bytesRequested.Load(),
		BytesFreed:     c.bytesFreed.Load(),
		Reallocations:  c.reallocations.Load(),
		PageGrows:      c.pageGrows.Load(),
		PageRecycles:   c.pageRecycles.Load(),
		Failures:       c.failures.Load(),
	}
}

// Reset zeroes every counter. Intended for tests and for benchmark
// harnesses that want per-iteration counts.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.allocations.Store(0)
	c.deallocations.Store(0)
	c.bytesRequested.Store(0)
	c.bytesFreed.Store(0)
	c.reallocations.Store(0)
	c.pageGrows.Store(0)
	c.pageRecycles.Store(0)
	c.failures.Store(0)
}
