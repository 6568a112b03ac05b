// Package gcheap is the public entry point for the garbage-collected
// heap implemented under internal/heap. It is a thin wrapper: every
// method here does nothing but delegate, so the real documentation
// lives on the internal/heap types it re-exports.
package gcheap

import (
	"github.com/gcheap/gcheap/internal/gclog"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heap"
	"github.com/gcheap/gcheap/internal/heapconfig"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/refqueue"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

type (
	// Config configures a Heap's sizing, growth policy, and verification
	// behavior.
	Config = heapconfig.Config
	// CollectorType selects a collector family for TransitionCollector
	// and the process-state-driven defaults in Config.
	CollectorType = heapconfig.CollectorType
	// ClassDescriptor describes the embedding language's object layout
	// to the collector: object sizes and reference-field locations.
	ClassDescriptor = heapobj.ClassDescriptor
	// Logger is the structured logging sink a Heap reports through.
	Logger = gclog.Logger
	// Mutator is a per-thread root source the embedding runtime
	// registers with RegisterMutator.
	Mutator = rootvisit.Mutator
	// GlobalRootSource is a non-mutator root source such as an interned
	// string table.
	GlobalRootSource = rootvisit.GlobalRootSource
	// TLAB is a thread-local allocation buffer passed to Allocate.
	TLAB = space.TLAB
	// AllocatorHint names which allocator Allocate should try first.
	AllocatorHint = heap.AllocatorHint
	// Cause records why a particular GC cycle ran.
	Cause = gcstats.Cause
	// GCType is a collector plan entry's severity.
	GCType = gcstats.GCType
	// Snapshot is a point-in-time read of a Heap's lifetime statistics.
	Snapshot = gcstats.Snapshot
	// Reference is a registered soft/weak/finalizer/phantom reference.
	Reference = refqueue.Reference
	// ReferenceKind selects which reachability-class queue a Reference
	// is registered on.
	ReferenceKind = heap.ReferenceKind
	// OutOfMemoryError is the one recoverable error kind Allocate
	// returns: every step of the allocation slow path was exhausted.
	OutOfMemoryError = heap.OutOfMemoryError
	// AbortFunc is called on unrecoverable heap corruption. The default
	// logs and terminates the process; install a different one with
	// SetAbortFunc to intercept the fatal path in tests.
	AbortFunc = heap.AbortFunc
	// NativeOverFreeError is returned by RegisterNativeFree when asked
	// to free more than is currently charged.
	NativeOverFreeError = heap.NativeOverFreeError
)

const (
	HintAuto   = heap.HintAuto
	HintTLAB   = heap.HintTLAB
	HintBump   = heap.HintBump
	HintMalloc = heap.HintMalloc
	HintLarge  = heap.HintLarge

	ReferenceSoft      = heap.ReferenceSoft
	ReferenceWeak      = heap.ReferenceWeak
	ReferenceFinalizer = heap.ReferenceFinalizer
	ReferencePhantom   = heap.ReferencePhantom

	CollectorMS  = heapconfig.CollectorMS
	CollectorCMS = heapconfig.CollectorCMS
	CollectorSS  = heapconfig.CollectorSS
	CollectorGSS = heapconfig.CollectorGSS

	CauseAllocFailed            = gcstats.CauseAllocFailed
	CauseExplicit               = gcstats.CauseExplicit
	CauseBackground             = gcstats.CauseBackground
	CauseNativeAlloc            = gcstats.CauseNativeAlloc
	CauseHeapTrim               = gcstats.CauseHeapTrim
	CauseProcessStateTransition = gcstats.CauseProcessStateTransition
)

// DefaultConfig returns heapconfig's recommended starting point,
// tuned the way the teacher's own config.go documents its defaults.
func DefaultConfig() Config { return heapconfig.Default() }

// LoadConfig parses heap configuration from JSON, the format
// heapconfig.Parse accepts (spec §7's "Configuration").
func LoadConfig(data []byte) (Config, error) { return heapconfig.Parse(data) }

// Heap is a garbage-collected heap: allocation, collection, native
// memory accounting, collector-family transitions, and verification,
// per spec.md's heap manager module. Construct with New.
type Heap struct {
	h *heap.Heap
}

// New constructs a Heap. classes describes the embedding language's
// object layout; logger may be nil to use gclog's default.
func New(cfg Config, classes ClassDescriptor, logger Logger) (*Heap, error) {
	h, err := heap.NewHeap(cfg, classes, logger)
	if err != nil {
		return nil, err
	}
	return &Heap{h: h}, nil
}

// RegisterMutator attaches a mutator to the heap's root set.
func (g *Heap) RegisterMutator(m Mutator) { g.h.RegisterMutator(m) }

// UnregisterMutator detaches a mutator.
func (g *Heap) UnregisterMutator(m Mutator) { g.h.UnregisterMutator(m) }

// AddGlobalRootSource registers a non-mutator root source.
func (g *Heap) AddGlobalRootSource(s GlobalRootSource) { g.h.AddGlobalRootSource(s) }

// Allocate returns a zero-initialized object of size bytes. tlab may
// be nil to allocate straight from the global cursor or malloc space.
func (g *Heap) Allocate(tlab *TLAB, hint AllocatorHint, size uintptr) (uintptr, error) {
	return g.h.Allocate(tlab, hint, size)
}

// BytesAllocated reports the heap's current live-byte accounting.
func (g *Heap) BytesAllocated() uint64 { return g.h.BytesAllocated() }

// Collect runs a full collection cycle synchronously.
func (g *Heap) Collect(cause Cause, clearSoftReferences bool) error {
	return g.h.Collect(cause, clearSoftReferences)
}

// RegisterNativeAllocation charges n bytes of off-heap memory against
// the heap's native accounting, possibly forcing a GC.
func (g *Heap) RegisterNativeAllocation(n uint64) { g.h.RegisterNativeAllocation(n) }

// RegisterNativeFree discharges n bytes from native accounting. Freeing
// more than is currently charged returns a *NativeOverFreeError and
// leaves the counter unchanged.
func (g *Heap) RegisterNativeFree(n uint64) error { return g.h.RegisterNativeFree(n) }

// NativeBytes reports bytes currently charged by RegisterNativeAllocation.
func (g *Heap) NativeBytes() uint64 { return g.h.NativeBytes() }

// SetNativeWatermarkCallback installs a hook run by every
// RegisterNativeAllocation call that leaves the native-bytes total at
// or above the high watermark.
func (g *Heap) SetNativeWatermarkCallback(fn func()) { g.h.SetNativeWatermarkCallback(fn) }

// TransitionCollector switches the heap between its moving and
// non-moving collector families.
func (g *Heap) TransitionCollector(target CollectorType) error {
	return g.h.TransitionCollector(target)
}

// PinMovingGC makes TransitionCollector return an error, without
// transitioning, for any change of collector family until a matching
// UnpinMovingGC call, the equivalent of a JNI critical section.
func (g *Heap) PinMovingGC() { g.h.PinMovingGC() }

// UnpinMovingGC releases one PinMovingGC call.
func (g *Heap) UnpinMovingGC() { g.h.UnpinMovingGC() }

// SetProcessState drives a collector transition based on the embedding
// process's visibility and interactivity.
func (g *Heap) SetProcessState(jankPerceptible, background bool) error {
	return g.h.SetProcessState(jankPerceptible, background)
}

// ForkZygote packs every live object into a frozen malloc space shared
// read-only across every process forked from this one afterward.
func (g *Heap) ForkZygote() error { return g.h.ForkZygote() }

// RequestTrim asks the background trimmer to release unused pages back
// to the OS the next time it wakes.
func (g *Heap) RequestTrim() { g.h.RequestTrim() }

// SetAbortFunc installs fn in place of the default log-and-exit
// behavior for heap corruption (spec §7.2).
func (g *Heap) SetAbortFunc(fn AbortFunc) { g.h.SetAbortFunc(fn) }

// VerifyHeap walks every object recorded live and checks that each
// non-null reference field points at an object that is itself recorded
// live. It returns nil while the moving collector family is active.
func (g *Heap) VerifyHeap() []error { return g.h.VerifyHeap() }

// VerifyMissingCardMarks checks that every reference to a recently
// allocated object (one on the allocation stack) comes from an object
// whose card is dirty or aged. It returns nil while the moving
// collector family is active.
func (g *Heap) VerifyMissingCardMarks() []error { return g.h.VerifyMissingCardMarks() }

// DumpGcPerformanceInfo renders the heap's lifetime GC statistics as a
// human-readable report.
func (g *Heap) DumpGcPerformanceInfo() string { return g.h.DumpGcPerformanceInfo() }

// Snapshot returns the raw statistics DumpGcPerformanceInfo formats.
func (g *Heap) Snapshot() Snapshot { return g.h.Snapshot() }

// NewReference constructs and registers a soft/weak/finalizer/phantom
// reference to referent.
func (g *Heap) NewReference(kind ReferenceKind, referent uintptr) *Reference {
	return g.h.NewReference(kind, referent)
}

// TakeClearedReferences returns every reference cleared by recent GC
// cycles and empties the cleared list.
func (g *Heap) TakeClearedReferences() []*Reference { return g.h.TakeClearedReferences() }

// Close stops the heap's background trim goroutine. The heap is not
// usable after Close.
func (g *Heap) Close() { g.h.Close() }
