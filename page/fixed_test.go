package page

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func alignedBuffer(t *testing.T, size, align int) []byte {
	t.Helper()
	raw := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := addr % uintptr(align); rem != 0 {
		offset = int(uintptr(align) - rem)
	}
	return raw[offset : offset+size]
}

func TestLogicalPageRejectsSmallSizeClass(t *testing.T) {
	buf := alignedBuffer(t, 65536, 4096)
	_, ok := Create(buf, 4, 4096)
	require.False(t, ok)
}

func TestLogicalPageRejectsUnalignedBuffer(t *testing.T) {
	buf := make([]byte, 65536+1)[1:] // almost certainly misaligned
	_, ok := Create(buf, 128, 4096)
	// This is probabilistic in theory but deterministic in practice since
	// make() slices are not page-aligned by default.
	if isPageAligned(buf, 4096) {
		t.Skip("buffer happened to be page aligned")
	}
	require.False(t, ok)
}

// TestLogicalPageLIFODiscipline is spec §8 scenario 1.
func TestLogicalPageLIFODiscipline(t *testing.T) {
	buf := alignedBuffer(t, 65536, 4096)
	p, ok := Create(buf, 128, 4096)
	require.True(t, ok)

	var ptrs []unsafe.Pointer
	for {
		ptr := p.Allocate(128)
		if ptr == nil {
			break
		}
		ptrs = append(ptrs, ptr)
	}

	require.Equal(t, 511, len(ptrs))

	last := ptrs[len(ptrs)-1]
	p.Deallocate(last)
	next := p.Allocate(128)
	require.Equal(t, last, next)
}

func TestLogicalPageUsedSizeRoundTrip(t *testing.T) {
	buf := alignedBuffer(t, 65536, 4096)
	p, ok := Create(buf, 64, 4096)
	require.True(t, ok)

	var ptrs []unsafe.Pointer
	for {
		ptr := p.Allocate(64)
		if ptr == nil {
			break
		}
		ptrs = append(ptrs, ptr)
		require.Zero(t, p.UsedSize()%64)
	}

	for _, ptr := range ptrs {
		p.Deallocate(ptr)
	}
	require.Zero(t, p.UsedSize())
	require.True(t, p.IsEmpty())
}

func TestLogicalPageDeallocateRealignsOverAllocatedPointer(t *testing.T) {
	buf := alignedBuffer(t, 65536, 4096)
	p, ok := Create(buf, 64, 4096)
	require.True(t, ok)

	chunk := p.Allocate(64)
	require.NotNil(t, chunk)

	// Simulate an upstream allocate_aligned: caller shifted the visible
	// pointer forward within the chunk.
	shifted := unsafe.Pointer(uintptr(chunk) + 7)
	p.Deallocate(shifted)

	require.True(t, p.IsEmpty())

	next := p.Allocate(64)
	require.Equal(t, chunk, next)
}

func TestLogicalPageDeallocateOutOfRangeIsNoop(t *testing.T) {
	buf := alignedBuffer(t, 65536, 4096)
	p, ok := Create(buf, 64, 4096)
	require.True(t, ok)

	before := p.UsedSize()
	other := make([]byte, 8)
	p.Deallocate(unsafe.Pointer(&other[0]))
	require.Equal(t, before, p.UsedSize())
}
