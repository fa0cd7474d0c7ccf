package stats

import "testing"

func TestCollectorAccumulates(t *testing.T) {
	var c Collector
	c.RecordAllocate(64)
	c.RecordAllocate(128)
	c.RecordDeallocate(64)
	c.RecordReallocate()
	c.RecordPageGrow()
	c.RecordPageRecycle()
	c.RecordFailure()

	snap := c.Snapshot()
	if snap.Allocations != 2 {
		t.Fatalf("Allocations = %d, want 2", snap.Allocations)
	}
	if snap.BytesRequested != 192 {
		t.Fatalf("BytesRequested = %d, want 192", snap.BytesRequested)
	}
	if snap.Deallocations != 1 || snap.BytesFreed != 64 {
		t.Fatalf("Deallocations/BytesFreed = %d/%d, want 1/64", snap.Deallocations, snap.BytesFreed)
	}
	if snap.Reallocations != 1 || snap.PageGrows != 1 || snap.PageRecycles != 1 || snap.Failures != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if got := snap.LiveBytes(); got != 128 {
		t.Fatalf("LiveBytes() = %d, want 128", got)
	}
}

func TestCollectorResetZeroesCounters(t *testing.T) {
	var c Collector
	c.RecordAllocate(32)
	c.Reset()
	if snap := c.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("Snapshot after Reset = %+v, want zero value", snap)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordAllocate(16)
	c.RecordDeallocate(16)
	c.RecordFailure()
	c.Reset()
	if snap := c.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("nil Collector Snapshot = %+v, want zero value", snap)
	}
}
