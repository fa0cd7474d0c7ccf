package scalloc

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/akhin/metamalloc-sub000/config"
)

// soak adapts the teacher's test1/test2 allocate-verify-shuffle-free
// pattern (_examples/cznic-memory/all_test.go) from the package-level
// Allocator's Malloc/Free to scalloc.Allocator's Allocate/Deallocate.
func soak(t *testing.T, quota, max int) {
	cfg := config.DefaultScallocConfig()
	cfg.Heap.LogicalPageSize = 64 * 1024
	a := New(cfg)

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)
	pos := rng.Pos()

	var ptrs []unsafe.Pointer
	var sizes []int
	rem := quota
	for rem > 0 {
		size := rng.Next()%max + 1
		rem -= size

		p := a.Allocate(size)
		if p == nil {
			t.Fatalf("Allocate(%d) returned nil", size)
		}
		ptrs = append(ptrs, p)
		sizes = append(sizes, size)

		b := unsafe.Slice((*byte)(p), size)
		for i := range b {
			b[i] = byte(rng.Next())
		}
	}

	rng.Seek(pos)
	for i, p := range ptrs {
		want := rng.Next()%max + 1
		if sizes[i] != want {
			t.Fatalf("size[%d] = %d, want %d", i, sizes[i], want)
		}
		b := unsafe.Slice((*byte)(p), sizes[i])
		for j := range b {
			if g, e := b[j], byte(rng.Next()); g != e {
				t.Fatalf("ptr %d byte %d: got %#02x want %#02x", i, j, g, e)
			}
		}
	}

	for i := range ptrs {
		j := rng.Next() % len(ptrs)
		ptrs[i], ptrs[j] = ptrs[j], ptrs[i]
	}

	for _, p := range ptrs {
		a.Deallocate(p)
	}
}

func TestSoakSmall(t *testing.T) {
	const quota = 4 << 20
	soak(t, quota, 2*4096)
}

func TestSoakBig(t *testing.T) {
	const quota = 4 << 20
	// 65456 is the largest request one 64 KiB any-size logical page can
	// serve: 65536 minus the 64-byte page header and the 16-byte block
	// header.
	soak(t, quota, 65456)
}
