// Package config holds the knob struct described in spec §6 and its
// environment-variable override layer, following the self-contained
// functional-parser style of _examples/flier-goutil/internal/xflag
// adapted from flag.Value parsing to os.Getenv/strconv, since no
// third-party env/config library appears anywhere in the retrieval pack
// for this concern.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/akhin/metamalloc-sub000/govm"
	"github.com/akhin/metamalloc-sub000/stats"
)

// HeapConfig configures one heap.PowerOfTwo instance (spec §6 "per heap,
// at create-time").
type HeapConfig struct {
	LogicalPageSize                 int
	BinPageCounts                   []int // one entry per fixed size-class segment, {16,...,2048}
	AnySizeInitialPages             int
	PageRecyclingThreshold          int
	GrowCoefficient                 float64
	DeallocationQueueInitialBytes   int

	// Bounded, when true, forbids every segment from growing past its
	// initial page count: an allocation that can't be served from the
	// pages carved at Create time fails rather than touching the arena
	// again (spec.md §1(a)'s "fixed page-count bound").
	Bounded bool

	// Arena-side knobs.
	CacheCapacity  int
	PageAlignment  int
	VMPolicy       govm.Policy
	NUMANode       int
	ZeroOnAllocate bool

	// Stats, if non-nil, receives page grow/recycle counts from every
	// segment this heap creates. Optional; nil disables collection.
	Stats *stats.Collector
}

// DefaultSizeClasses mirrors spec §4.6's eight fixed classes.
var DefaultSizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048}

// DefaultHeapConfig returns the reference power-of-two heap's defaults.
func DefaultHeapConfig() HeapConfig {
	binCounts := make([]int, len(DefaultSizeClasses))
	for i := range binCounts {
		binCounts[i] = 1
	}
	return HeapConfig{
		LogicalPageSize:               64 * 1024,
		BinPageCounts:                 binCounts,
		AnySizeInitialPages:           1,
		PageRecyclingThreshold:        1,
		GrowCoefficient:               2,
		DeallocationQueueInitialBytes: 64 * 1024,
		CacheCapacity:                 1 << 20,
		PageAlignment:                 64 * 1024,
		VMPolicy:                      govm.Default,
		NUMANode:                      -1,
	}
}

// ScallocConfig configures a scalloc.Allocator (spec §6 "scalable
// allocator side").
type ScallocConfig struct {
	Heap HeapConfig

	ArenaCapacity            int
	MetadataBufferSize       int
	PrecreatedHeapSlotCount  int
}

// DefaultScallocConfig returns the scalable allocator's defaults.
func DefaultScallocConfig() ScallocConfig {
	return ScallocConfig{
		Heap:                    DefaultHeapConfig(),
		ArenaCapacity:           16 << 20,
		MetadataBufferSize:      128 * 1024,
		PrecreatedHeapSlotCount: 0,
	}
}

// FromEnv overlays recognized environment variables onto cfg and returns
// the result (spec §6: "Every knob above may be overridden by a process
// environment variable read at first-touch time; numeric scalars and
// comma-separated numeric arrays are the only recognized forms").
//
// Recognized variables:
//
//	METAMALLOC_LOGICAL_PAGE_SIZE
//	METAMALLOC_BIN_PAGE_COUNTS        (comma-separated ints)
//	METAMALLOC_PAGE_RECYCLING_THRESHOLD
//	METAMALLOC_GROW_COEFFICIENT
//	METAMALLOC_ARENA_CACHE_CAPACITY
//	METAMALLOC_ARENA_PAGE_ALIGNMENT
//	METAMALLOC_ARENA_CAPACITY
//	METAMALLOC_METADATA_BUFFER_SIZE
//	METAMALLOC_PRECREATED_HEAP_SLOTS
func FromEnv(cfg ScallocConfig) ScallocConfig {
	if v, ok := envInt("METAMALLOC_LOGICAL_PAGE_SIZE"); ok {
		cfg.Heap.LogicalPageSize = v
	}
	if v, ok := envIntSlice("METAMALLOC_BIN_PAGE_COUNTS"); ok {
		cfg.Heap.BinPageCounts = v
	}
	if v, ok := envInt("METAMALLOC_PAGE_RECYCLING_THRESHOLD"); ok {
		cfg.Heap.PageRecyclingThreshold = v
	}
	if v, ok := envFloat("METAMALLOC_GROW_COEFFICIENT"); ok {
		cfg.Heap.GrowCoefficient = v
	}
	if v, ok := envInt("METAMALLOC_ARENA_CACHE_CAPACITY"); ok {
		cfg.Heap.CacheCapacity = v
	}
	if v, ok := envInt("METAMALLOC_ARENA_PAGE_ALIGNMENT"); ok {
		cfg.Heap.PageAlignment = v
	}
	if v, ok := envInt("METAMALLOC_ARENA_CAPACITY"); ok {
		cfg.ArenaCapacity = v
	}
	if v, ok := envInt("METAMALLOC_METADATA_BUFFER_SIZE"); ok {
		cfg.MetadataBufferSize = v
	}
	if v, ok := envInt("METAMALLOC_PRECREATED_HEAP_SLOTS"); ok {
		cfg.PrecreatedHeapSlotCount = v
	}
	return cfg
}

func envInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envIntSlice(name string) ([]int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
