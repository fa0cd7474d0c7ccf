package scalloc

import (
	"github.com/akhin/metamalloc-sub000/config"
	"github.com/akhin/metamalloc-sub000/internal/cas"
)

var (
	defaultLock cas.Spinlock
	defaultInst *Allocator
)

// Default returns the process-wide lazily-created Allocator, for
// callers that want a single shared allocator without constructing one
// themselves — the Go analogue of the spec's C-shim re-entrancy
// requirement (§5: "the C-shim path runs a lazy create on first entry").
func Default() *Allocator {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultInst == nil {
		defaultInst = New(config.FromEnv(config.DefaultScallocConfig()))
	}
	return defaultInst
}
