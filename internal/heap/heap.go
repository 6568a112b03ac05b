// Package heap implements the heap manager of spec.md §4.1: the single
// entry point for allocation, collection, native-byte accounting,
// collector transitions, trimming, and verification, re-exported at the
// module root as package gcheap.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gcheap/gcheap/internal/cardtable"
	"github.com/gcheap/gcheap/internal/collector"
	"github.com/gcheap/gcheap/internal/gclog"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapconfig"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/memmap"
	"github.com/gcheap/gcheap/internal/modunion"
	"github.com/gcheap/gcheap/internal/objstack"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

// largeObjectThreshold, at or above which an allocation bypasses the main space
// entirely and goes to the large-object space (spec §4.1's "large-object"
// allocator kind).
const largeObjectThreshold = 12 << 10

// AllocatorHint names which allocator TryToAllocate should try first,
// mirroring spec §4.1's "allocator_hint" parameter. HintAuto lets the
// heap pick based on size and the current collector family.
type AllocatorHint int

const (
	HintAuto AllocatorHint = iota
	HintTLAB
	HintBump
	HintMalloc
	HintLarge
)

// Heap is the heap manager of spec.md §4.1. Construct with NewHeap.
type Heap struct {
	cfg      heapconfig.Config
	classes  heapobj.ClassDescriptor
	mutators *rootvisit.Registry
	globals  []rootvisit.GlobalRootSource
	stats    *gcstats.Record
	logger   gclog.Logger
	pool     *memmap.Pool

	spaces *space.Registry
	los    *space.LargeObject

	allocStack *objstack.Stack
	liveStack  *objstack.Stack
	refs       *collector.ReferenceQueues

	// gcCompleteLock/gcCompleteCond of spec §5 step 1: serializes GC
	// cycles and lets allocators block until the running one finishes.
	mu          sync.Mutex
	cond        *sync.Cond
	isGCRunning bool

	bytesAllocated        uint64 // atomic
	maxAllowedFootprint   uint64
	concurrentStartBytes  uint64
	lastGCDurationSeconds float64
	allocationRate        float64
	nextGCType            gcstats.GCType
	zygoteExists          bool

	nativeBytes          uint64 // atomic
	nativeWatermarkLow   uint64
	nativeWatermarkHigh  uint64
	onNativeWatermark    func()

	disableMovingGCCount int32 // atomic

	// moving selects the current collector family: true for the
	// bump-pointer + semi-space pair, false for malloc + mark-sweep
	// (spec §4.8).
	moving    bool
	collector heapconfig.CollectorType

	mainBump   *space.BumpPointer
	swapBump   *space.BumpPointer
	mainMalloc space.MallocSpace
	mature     space.MallocSpace // zygote, participates as SemiSpace.Mature once forked

	cardTables map[string]*collector.CardTableHandleSpec
	modUnions  map[string]*modunion.Table

	jankPerceptible bool
	background      bool

	trimRequests chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once

	abort AbortFunc
}

// NewHeap constructs a heap with an initial moving (bump-pointer +
// semi-space) configuration sized by cfg.InitialSize, the typical
// pre-zygote-fork shape (spec §3 "Lifecycle").
func NewHeap(cfg heapconfig.Config, classes heapobj.ClassDescriptor, logger gclog.Logger) (*Heap, error) {
	if logger == nil {
		logger = gclog.New()
	}
	h := &Heap{
		cfg:          cfg,
		classes:      classes,
		mutators:     rootvisit.NewRegistry(),
		stats:        gcstats.NewRecord(),
		logger:       logger,
		pool:         &memmap.Pool{},
		spaces:       space.NewRegistry(),
		allocStack:   objstack.New(1 << 16),
		liveStack:    objstack.New(1 << 16),
		refs:         collector.NewReferenceQueues(),
		cardTables:   make(map[string]*collector.CardTableHandleSpec),
		modUnions:    make(map[string]*modunion.Table),
		moving:       true,
		collector:    heapconfig.CollectorGSS,
		trimRequests: make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	h.abort = h.defaultAbort
	h.maxAllowedFootprint = cfg.InitialSize
	h.nativeWatermarkLow = cfg.InitialSize / 4
	h.nativeWatermarkHigh = cfg.InitialSize / 2
	h.nextGCType = gcstats.GCTypeSticky

	half := uintptr(cfg.InitialSize / 2)
	mainM, err := h.pool.Reserve("main", half, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve main space: %w", err)
	}
	swapM, err := h.pool.Reserve("swap", half, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve swap space: %w", err)
	}
	h.mainBump = space.NewBumpPointer("main", mainM, half)
	h.swapBump = space.NewBumpPointer("swap", swapM, half)
	if err := h.spaces.Add(h.mainBump); err != nil {
		return nil, err
	}
	if err := h.spaces.Add(h.swapBump); err != nil {
		return nil, err
	}

	h.los = space.NewLargeObject("large-object-space", h.pool)
	if err := h.spaces.Add(h.los); err != nil {
		return nil, err
	}

	go h.trimLoop()

	return h, nil
}

// RegisterMutator attaches a mutator to the heap's root set, called
// when the embedding runtime attaches a new thread (spec §6).
func (h *Heap) RegisterMutator(m rootvisit.Mutator) { h.mutators.Register(m) }

// UnregisterMutator detaches a mutator, called on thread detach.
func (h *Heap) UnregisterMutator(m rootvisit.Mutator) { h.mutators.Unregister(m) }

// AddGlobalRootSource registers a non-mutator root source: the
// interned-string table, the class-loader table, or similar (spec §4.5
// "Root sources").
func (h *Heap) AddGlobalRootSource(g rootvisit.GlobalRootSource) {
	h.globals = append(h.globals, g)
}

// BytesAllocated reports the current value of the bytesAllocated
// accumulator (spec §4.1).
func (h *Heap) BytesAllocated() uint64 { return atomic.LoadUint64(&h.bytesAllocated) }

// zeroMemory clears n bytes at addr, satisfying the "zero-initialized"
// guarantee of spec §4.1's allocate operation for memory that may have
// previously held a different object (e.g. a bump-pointer space reused
// after a semi-space cycle revokes it).
func zeroMemory(addr, n uintptr) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
	for i := range b {
		b[i] = 0
	}
}

// cardTableFor returns the card table covering sp, allocating one
// lazily the first time sp is seen.
func (h *Heap) cardTableFor(sp space.Space) *cardtable.Table {
	if spec, ok := h.cardTables[sp.Name()]; ok {
		return spec.Table
	}
	t := cardtable.New(sp.Begin(), sp.Limit())
	h.cardTables[sp.Name()] = collector.NewCardTableHandleSpec(t, sp.Begin(), sp.Limit())
	return t
}

// Close stops the background trim goroutine. The heap is not usable
// after Close.
func (h *Heap) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}
