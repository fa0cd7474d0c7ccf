// Package arena implements the page-aligned cache over the OS
// virtual-memory API (spec §3, §4.1). It is the sole component that talks
// to govm; every other subsystem reaches the OS only through an Arena.
package arena

import (
	"errors"
	"sync"

	"github.com/akhin/metamalloc-sub000/govm"
	"github.com/akhin/metamalloc-sub000/internal/cas"
	"github.com/akhin/metamalloc-sub000/internal/debug"
)

// ErrInvalidConfig names the condition under which Create fails: a page
// alignment that is not a multiple of the OS page-allocation
// granularity. Create reports that failure as false and does not return
// this value.
var ErrInvalidConfig = errors.New("arena: page alignment must be a multiple of the OS page-allocation granularity")

// LockPolicy selects the mutual-exclusion primitive an Arena uses to
// guard its cache, chosen once at construction (spec §9 "compile-time
// policy selection").
type LockPolicy int

const (
	// NoLock assumes the caller already serializes access (e.g. a
	// SINGLE_THREAD segment's private arena).
	NoLock LockPolicy = iota
	// OSMutex uses a sync.Mutex.
	OSMutex
	// Spinlock uses the user-space CAS spinlock (the default).
	Spinlock
)

type locker interface {
	Lock()
	Unlock()
}

type noopLock struct{}

func (noopLock) Lock()   {}
func (noopLock) Unlock() {}

// Config configures an Arena at creation time.
type Config struct {
	// CacheCapacity is the size, in bytes, of each OS allocation the
	// arena's cache replaces itself with on a miss.
	CacheCapacity int
	// PageAlignment is the alignment every address returned by Allocate
	// must satisfy. Must be a multiple of the OS page-allocation
	// granularity (4 KiB Linux / 64 KiB Windows) and a power of two.
	PageAlignment int
	// Policy selects normal vs huge-page backing.
	Policy govm.Policy
	// NUMANode, if >= 0, is a hint to prefer that NUMA node. Not
	// enforced by either govm platform implementation; carried for
	// interface completeness per spec §3.
	NUMANode int
	// ZeroOnAllocate, if true, zero-fills every byte range returned by
	// Allocate.
	ZeroOnAllocate bool
	// Lock selects the concurrency primitive guarding the cache.
	Lock LockPolicy
}

// Arena hands out page-aligned byte ranges from a cached OS allocation,
// minimizing syscall count (spec §4.1).
type Arena struct {
	cfg Config
	vm  govm.VM

	lock locker

	base uintptr
	buf  []byte
	used int
}

// New constructs an Arena with default dependencies (the process-wide
// govm.System). Create must still be called before use.
func New(cfg Config) *Arena {
	return &Arena{cfg: cfg, vm: govm.System}
}

// NewWithVM is New, but lets tests substitute a fake govm.VM.
func NewWithVM(cfg Config, vm govm.VM) *Arena {
	return &Arena{cfg: cfg, vm: vm}
}

// Create allocates the arena's initial cache. It fails (returns false)
// unless PageAlignment is a multiple of the OS page-allocation
// granularity, per spec §4.1.
func (a *Arena) Create() bool {
	granularity := a.vm.PageSize()
	if a.cfg.PageAlignment <= 0 || a.cfg.PageAlignment%granularity != 0 {
		return false
	}

	switch a.cfg.Lock {
	case OSMutex:
		a.lock = &sync.Mutex{}
	case Spinlock:
		a.lock = &cas.Spinlock{}
	default:
		a.lock = noopLock{}
	}

	if a.cfg.CacheCapacity <= 0 {
		a.cfg.CacheCapacity = granularity
	}

	base, buf, ok := a.obtainAligned(a.cfg.CacheCapacity)
	if !ok {
		return false
	}

	a.base = base
	a.buf = buf
	a.used = 0
	return true
}

// obtainAligned requests size+PageAlignment bytes from the OS (trying
// huge pages first under the HugePages policy, falling back to a normal
// mapping), then releases the under- and over-aligned slivers so the
// survivor is aligned to PageAlignment with length >= size.
func (a *Arena) obtainAligned(size int) (uintptr, []byte, bool) {
	align := a.cfg.PageAlignment
	want := size + align

	addr, buf, err := a.vm.Allocate(want, govm.Options{
		Policy:   a.cfg.Policy,
		NUMANode: a.cfg.NUMANode,
		Zero:     a.cfg.ZeroOnAllocate,
	})
	if err != nil {
		debug.Log("Arena.obtainAligned", "size=%d align=%d failed: %v", size, align, err)
		return 0, nil, false
	}

	alignedAddr := (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	prefix := int(alignedAddr - addr)
	survivorLen := want - prefix
	suffix := survivorLen - size
	if suffix < 0 {
		suffix = 0
		survivorLen = want - prefix
	}

	if prefix > 0 {
		if err := a.vm.Deallocate(addr, prefix); err != nil {
			debug.Log("Arena.obtainAligned", "releasing prefix failed: %v", err)
		}
	}

	keepLen := want - prefix
	if suffix > 0 && keepLen-suffix >= size {
		tailAddr := alignedAddr + uintptr(keepLen-suffix)
		if err := a.vm.Deallocate(tailAddr, suffix); err != nil {
			debug.Log("Arena.obtainAligned", "releasing suffix failed: %v", err)
		}
		keepLen -= suffix
	}

	return alignedAddr, buf[prefix : prefix+keepLen], true
}

// Allocate returns size bytes and bumps the used pointer by size rounded
// up to PageAlignment, so every returned address stays aligned. If the
// remaining cache cannot satisfy size+PageAlignment, it releases the
// unused tail, obtains a fresh aligned OS allocation, and serves from
// that (spec §4.1).
func (a *Arena) Allocate(size int) []byte {
	a.lock.Lock()
	defer a.lock.Unlock()

	if size <= 0 {
		return nil
	}

	if len(a.buf)-a.used < size+a.cfg.PageAlignment {
		if tail := a.buf[a.used:]; len(tail) > 0 {
			if err := a.vm.Deallocate(a.base+uintptr(a.used), len(tail)); err != nil {
				debug.Log("Arena.Allocate", "releasing unused tail failed: %v", err)
			}
		}

		base, buf, ok := a.obtainAligned(size)
		if !ok {
			return nil
		}
		a.base = base
		a.buf = buf
		a.used = 0
	}

	out := a.buf[a.used : a.used+size]
	align := a.cfg.PageAlignment
	a.used += (size + align - 1) &^ (align - 1)
	if a.used > len(a.buf) {
		a.used = len(a.buf)
	}
	if a.cfg.ZeroOnAllocate {
		for i := range out {
			out[i] = 0
		}
	}
	return out
}

// Used reports how many bytes of the current cache are in use.
func (a *Arena) Used() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.used
}

// Size reports the size of the current cache.
func (a *Arena) Size() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.buf)
}

// PageAlignment returns the arena's configured page alignment.
func (a *Arena) PageAlignment() int { return a.cfg.PageAlignment }

// OSPageGranularity returns the OS's page-allocation granularity (4 KiB
// on Linux, 64 KiB on Windows), used by segment.Segment to validate that
// its logical page size is a legal multiple.
func (a *Arena) OSPageGranularity() int { return a.vm.PageSize() }

// ReleaseToSystem releases the given range directly back to the OS, used
// by owners releasing pages they previously received via Allocate
// (spec §4.1: "pages already handed out must be released by their
// eventual owner").
func (a *Arena) ReleaseToSystem(addr uintptr, size int) error {
	return a.vm.Deallocate(addr, size)
}

// AllocateFromSystem bypasses the cache and obtains size bytes directly
// from the OS, aligned to PageAlignment.
func (a *Arena) AllocateFromSystem(size int) ([]byte, bool) {
	_, buf, ok := a.obtainAligned(size)
	return buf, ok
}

// MetadataAllocate bypasses the cache and goes straight to the OS; used
// for bookkeeping buffers such as the deallocation queue's pointer pages
// (spec §4.1).
func (a *Arena) MetadataAllocate(size int) []byte {
	buf, ok := a.AllocateFromSystem(size)
	if !ok {
		return nil
	}
	return buf
}

// MetadataDeallocate releases a buffer obtained from MetadataAllocate.
func (a *Arena) MetadataDeallocate(addr uintptr, size int) error {
	return a.vm.Deallocate(addr, size)
}

// LockPages pins the whole current cache in physical memory.
func (a *Arena) LockPages() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(a.buf) == 0 {
		return nil
	}
	return a.vm.Lock(a.base, len(a.buf))
}

// UnlockPages reverses LockPages.
func (a *Arena) UnlockPages() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(a.buf) == 0 {
		return nil
	}
	return a.vm.Unlock(a.base, len(a.buf))
}

// Destroy releases only the still-unused tail of the current cache, per
// spec §4.1: pages already handed out must be released by their eventual
// owner, not by Destroy.
func (a *Arena) Destroy() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.used >= len(a.buf) {
		a.buf = nil
		return nil
	}

	tail := a.buf[a.used:]
	err := a.vm.Deallocate(a.base+uintptr(a.used), len(tail))
	a.buf = nil
	a.used = 0
	return err
}
