package heap

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gcheap/gcheap/internal/bitmap"
	"github.com/gcheap/gcheap/internal/collector"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapconfig"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/memmap"
	"github.com/gcheap/gcheap/internal/space"
)

// PinMovingGC increments the guard that makes TransitionCollector
// refuse, with an error, a change of collector family while any pin is
// held (it does not wait for the pin to be released), the Go equivalent of a JNI critical section
// pinning object addresses (spec §4.8, "disableMovingGCCount").
func (h *Heap) PinMovingGC() { atomic.AddInt32(&h.disableMovingGCCount, 1) }

// UnpinMovingGC releases one PinMovingGC call.
func (h *Heap) UnpinMovingGC() { atomic.AddInt32(&h.disableMovingGCCount, -1) }

// TransitionCollector switches the heap between its moving
// (bump-pointer + semi-space) and non-moving (malloc + mark-sweep)
// families (spec §4.8). If the heap is already in the requested
// family, this instead forces a full background GC, matching ART's
// rule that a same-family "transition" request is really a request
// for the collector to catch up rather than to change shape.
func (h *Heap) TransitionCollector(target heapconfig.CollectorType) error {
	targetMoving := target == heapconfig.CollectorSS || target == heapconfig.CollectorGSS

	if targetMoving == h.moving {
		_, err := h.runGC(context.Background(), h.planLast(), true, gcstats.CauseProcessStateTransition, false)
		h.collector = target
		return err
	}
	if atomic.LoadInt32(&h.disableMovingGCCount) > 0 {
		return fmt.Errorf("heap: cannot transition collector family while moving GC is pinned")
	}

	h.mu.Lock()
	for h.isGCRunning {
		h.cond.Wait()
	}
	h.isGCRunning = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.isGCRunning = false
		h.cond.Broadcast()
		h.mu.Unlock()
	}()

	var err error
	if targetMoving {
		err = h.transitionToMoving()
	} else {
		err = h.transitionToNonMoving()
	}
	if err != nil {
		return err
	}
	h.moving = targetMoving
	h.collector = target
	return nil
}

// fixupRootsInRange rewrites every mutator and global root currently
// pointing inside [begin, end) to its forwarding address, read back
// from the old object's header (spec §4.6's forwarding-pointer reuse
// of heapobj.SetClassOf, applied outside an ordinary SemiSpace.Run).
func (h *Heap) fixupRootsInRange(begin, end uintptr) {
	fixup := func(root uintptr, update func(uintptr)) {
		if root >= begin && root < end {
			update(heapobj.ClassOf(root))
		}
	}
	h.mutators.VisitAllRoots(fixup)
	for _, g := range h.globals {
		g.VisitRoots(fixup)
	}
}

// transitionToNonMoving evacuates every live object out of the
// bump-pointer main space into a freshly reserved malloc space via
// SemiSpace's zygote bin-packing path (the only evacuation primitive
// that targets a MallocSpace rather than another bump-pointer space),
// then rewrites references between the moved objects and fixes up every
// outstanding root (spec §4.8).
func (h *Heap) transitionToNonMoving() error {
	limit := h.mainBump.Limit() - h.mainBump.Begin()
	m, err := h.pool.Reserve("main-malloc", limit, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return fmt.Errorf("heap: reserve non-moving main space: %w", err)
	}
	target := space.NewSegregatedFreeListSpace("main-malloc", m, limit)

	resume := h.mutators.SuspendAll()
	defer resume()

	ss := collector.NewSemiSpace(h.deps(), h.mainBump, h.swapBump)
	begin, end := h.mainBump.Begin(), h.mainBump.End()
	if _, err := ss.ZygoteCompact(target, target.Begin(), target.Limit()); err != nil {
		return err
	}

	// The copies' reference fields still point at old bump-pointer
	// addresses; rewrite them through the forwarding words, as
	// transitionToMoving does for the opposite direction.
	target.Walk(func(obj, _ uintptr) {
		h.classes.VisitReferences(heapobj.ClassOf(obj), obj, func(fieldAddr, referent uintptr) {
			if referent >= begin && referent < end {
				storeFieldRaw(fieldAddr, heapobj.ClassOf(referent))
			}
		})
	})
	h.fixupRootsInRange(begin, end)
	h.mainBump.Reset()

	if err := h.spaces.Add(target); err != nil {
		return err
	}
	h.mainMalloc = target
	return nil
}

// bitmapped is the local equivalent of the collector package's
// capability interface, letting transitionToMoving walk a malloc
// space's live bitmap without widening the MallocSpace interface
// itself (spec §9 "ambiguity to flag": a capability check instead of a
// type switch).
type bitmapped interface {
	LiveBitmap() *bitmap.Bitmap
}

// transitionToMoving evacuates every live object out of the malloc
// main space into the bump-pointer main space, forwarding pointers
// through the old object's header exactly as SemiSpace.forward does,
// then fixing up every outstanding root (spec §4.8).
func (h *Heap) transitionToMoving() error {
	if h.mainMalloc == nil {
		return nil
	}
	bm, ok := h.mainMalloc.(bitmapped)
	if !ok {
		return fmt.Errorf("heap: non-moving main space does not expose a live bitmap")
	}

	resume := h.mutators.SuspendAll()
	defer resume()

	begin, end := h.mainMalloc.Begin(), h.mainMalloc.End()
	var failed error
	bm.LiveBitmap().Walk(func(addr uintptr) {
		if failed != nil {
			return
		}
		class := heapobj.ClassOf(addr)
		size := h.classes.ObjectSize(class)
		newAddr, allocated, ok := h.mainBump.Alloc(size)
		if !ok {
			failed = fmt.Errorf("heap: bump-pointer main space exhausted during collector transition")
			return
		}
		copyBytes(addr, newAddr, allocated)
		heapobj.SetClassOf(addr, newAddr)
	})
	if failed != nil {
		return failed
	}

	// Inter-object references within the newly moved objects still
	// point at old malloc addresses; rewrite them the same way
	// SemiSpace.scanToSpace does for a copying cycle.
	for scan := h.mainBump.Begin(); scan < h.mainBump.End(); {
		classPtr := heapobj.ClassOf(scan)
		size := h.classes.ObjectSize(classPtr)
		h.classes.VisitReferences(classPtr, scan, func(fieldAddr, referent uintptr) {
			if referent >= begin && referent < end {
				storeFieldRaw(fieldAddr, heapobj.ClassOf(referent))
			}
		})
		scan += size
	}

	h.fixupRootsInRange(begin, end)
	h.mainMalloc = nil
	return nil
}

func storeFieldRaw(fieldAddr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), val)
}

func copyBytes(src, dst, n uintptr) {
	if n == 0 {
		return
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(n))
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(n))
	copy(d, s)
}
