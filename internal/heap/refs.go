package heap

import "github.com/gcheap/gcheap/internal/refqueue"

// ReferenceKind selects which of the four reachability-class queues a
// reference object is registered on (spec §4.7).
type ReferenceKind int

const (
	ReferenceSoft ReferenceKind = iota
	ReferenceWeak
	ReferenceFinalizer
	ReferencePhantom
)

func (h *Heap) queueFor(kind ReferenceKind) *refqueue.Queue {
	switch kind {
	case ReferenceSoft:
		return h.refs.Soft
	case ReferenceWeak:
		return h.refs.Weak
	case ReferenceFinalizer:
		return h.refs.Finalizer
	case ReferencePhantom:
		return h.refs.Phantom
	default:
		return h.refs.Weak
	}
}

// NewReference constructs a reference to referent and registers it on
// the given reachability-class queue, mirroring the embedding
// language's SoftReference/WeakReference/PhantomReference/finalizer
// object construction (spec §3/§4.7).
func (h *Heap) NewReference(kind ReferenceKind, referent uintptr) *refqueue.Reference {
	ref := refqueue.NewReference(referent)
	h.queueFor(kind).EnqueueIfNotEnqueued(ref)
	return ref
}

// TakeClearedReferences returns every reference cleared by the most
// recent GC cycle(s) and empties the cleared list, for the embedding
// runtime to post to its own reference-queue delivery mechanism (spec
// §3, §4.7).
func (h *Heap) TakeClearedReferences() []*refqueue.Reference {
	return h.refs.Cleared.Take()
}
