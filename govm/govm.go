// Package govm is the OS virtual-memory primitive consumed by arena.Arena.
//
// It generalizes the teacher's mmap_unix.go / mmap_windows.go build-tag
// split into the five-operation interface of the allocator spec: Allocate,
// Deallocate, Lock, Unlock, plus the page-size queries.
package govm

import "errors"

// ErrOutOfMemory is returned when the OS refuses a virtual-memory request.
var ErrOutOfMemory = errors.New("govm: virtual memory allocation failed")

// Policy selects how Allocate tries to satisfy a request.
type Policy int

const (
	// Default requests ordinary, demand-paged virtual memory.
	Default Policy = iota
	// HugePages tries a huge-page mapping first and falls back to
	// Default on failure. Only the Linux implementation has a huge-page
	// path; elsewhere a HugePages request maps ordinary pages.
	HugePages
)

// Options configures a single Allocate call.
type Options struct {
	// Hint is an address the caller would like the mapping placed at.
	// Neither platform implementation in this package honours it; see
	// DESIGN.md open question on OS VM address hints.
	Hint uintptr

	Policy   Policy
	NUMANode int // negative means "no NUMA preference"
	Zero     bool
}

// VM is the OS virtual-memory interface the arena depends on (spec §6).
type VM interface {
	// Allocate reserves and commits size bytes of memory, returning its
	// base address. Returns ErrOutOfMemory if the OS refuses the request.
	Allocate(size int, opts Options) (uintptr, []byte, error)

	// Deallocate releases a region previously returned by Allocate.
	Deallocate(addr uintptr, size int) error

	// Lock pins the given range in physical memory, preventing swap-out.
	Lock(addr uintptr, size int) error

	// Unlock reverses Lock.
	Unlock(addr uintptr, size int) error

	// PageSize returns the OS page-allocation granularity: 4 KiB on
	// Linux, 64 KiB on Windows.
	PageSize() int

	// MinimumHugePageSize returns the huge/large page size assumed for
	// the platform: 2 MiB on Linux and Windows, 0 on the other Unix
	// platforms. It does not consult IsHugePageAvailable.
	MinimumHugePageSize() int

	// IsHugePageAvailable reports whether HugePages is usable on this
	// system for the current process.
	IsHugePageAvailable() bool
}

// System is the process-wide VM implementation, platform-selected at
// build time (see govm_unix.go / govm_windows.go).
var System VM = newSystemVM()
