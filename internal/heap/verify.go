package heap

import "github.com/gcheap/gcheap/internal/collector"

// VerifyHeap walks every object recorded in the live bitmaps (not only
// those reachable from the root set) and checks that each non-null
// reference field points at an object recorded live in a live bitmap or
// the large-object set (spec §4.1 "Verification"). It returns nil while
// the moving family is active. Safe to call outside a GC cycle since it
// only reads the live bitmaps populated by allocation and cleared by
// free.
func (h *Heap) VerifyHeap() []error {
	if h.moving {
		return nil
	}
	return h.markSweep().VerifyHeap(collector.VerifyPreGC)
}

// VerifyMissingCardMarks checks that every reference to an object on
// the allocation stack comes from an object whose card is dirty or
// aged, catching write-barrier omissions (spec §4.1, §4.4). It returns
// nil while the moving family is active.
func (h *Heap) VerifyMissingCardMarks() []error {
	if h.moving {
		return nil
	}
	return h.markSweep().VerifyMissingCardMarks()
}
