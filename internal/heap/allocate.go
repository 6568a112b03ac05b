package heap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/space"
)

// OutOfMemoryError is returned by Allocate when every step of the slow
// path (spec §4.1) has been exhausted. It is the one recoverable error
// kind the heap manager returns (spec §7.1); every other failure mode
// in §7 is either an ordinary inspectable error or fatal via abort.
//
// FreeBytes and the fragmentation fields implement spec §8 scenario
// S1 ("OOM under fragmentation"), grounded on ART's
// Heap::ThrowOutOfMemoryError: when enough bytes are nominally free to
// satisfy the request but the allocation still failed, the non-moving
// malloc space's free list cannot offer a single chunk large enough,
// and Fragmented/LargestContiguous report that.
type OutOfMemoryError struct {
	Size              uintptr
	FreeBytes         uint64
	Fragmented        bool
	LargestContiguous uintptr
}

func (e *OutOfMemoryError) Error() string {
	if e.Fragmented {
		return fmt.Sprintf("heap: failed to allocate %d bytes with %d free bytes; failed due to fragmentation (largest possible contiguous allocation %d bytes)",
			e.Size, e.FreeBytes, e.LargestContiguous)
	}
	return fmt.Sprintf("heap: failed to allocate %d bytes with %d free bytes", e.Size, e.FreeBytes)
}

// outOfMemory builds the OOM error for a failed allocation, checking
// whether fragmentation of the non-moving malloc space's free list is
// the likely cause (spec §8 scenario S1) and logging it either way.
func (h *Heap) outOfMemory(size uintptr) *OutOfMemoryError {
	allocated := h.BytesAllocated()
	var free uint64
	if h.cfg.Capacity > allocated {
		free = h.cfg.Capacity - allocated
	}
	err := &OutOfMemoryError{Size: size, FreeBytes: free}
	if !h.moving && h.mainMalloc != nil && free >= uint64(size) {
		err.Fragmented = true
		err.LargestContiguous = h.mainMalloc.LargestFreeChunk()
	}
	h.logger.Errorf("%s", err)
	return err
}

// tryToAllocate is the fast path of spec §4.1: a TryToAllocate(allocator,
// size) lookup across TLAB, global bump, malloc, or large-object,
// returning (0,0,false) without growing the footprint on failure.
func (h *Heap) tryToAllocate(tlab *space.TLAB, hint AllocatorHint, size uintptr) (addr, allocated uintptr, ok bool) {
	if hint == HintLarge || (hint == HintAuto && size >= largeObjectThreshold) {
		a, n, err := h.los.Alloc(size)
		if err != nil {
			return 0, 0, false
		}
		return a, n, true
	}

	if h.moving {
		if (hint == HintAuto || hint == HintTLAB) && tlab != nil && h.cfg.UseTLAB {
			if a, ok := tlab.Alloc(size); ok {
				return a, size, true
			}
			if tlab.Refill(h.mainBump, tlabRefillSize) {
				if a, ok := tlab.Alloc(size); ok {
					return a, size, true
				}
			}
		}
		return h.mainBump.Alloc(size)
	}

	return h.mainMalloc.Alloc(size)
}

const tlabRefillSize = 32 << 10

// afterAlloc records a successful allocation: zeroes the memory,
// updates bytesAllocated, pushes it onto the allocation stack (forcing
// a GC-for-alloc on overflow), and triggers a concurrent GC once the
// concurrent-start-bytes watermark is crossed (spec §4.1).
func (h *Heap) afterAlloc(addr, allocated uintptr) {
	zeroMemory(addr, allocated)
	total := atomic.AddUint64(&h.bytesAllocated, uint64(allocated))

	h.mu.Lock()
	pushed := h.allocStack.PushBack(addr)
	h.mu.Unlock()
	if !pushed {
		h.logger.Warnf("heap: allocation stack overflow, forcing GC-for-alloc")
		_, _ = h.runGC(context.Background(), h.planLast(), false, gcstats.CauseAllocFailed, false)
		h.mu.Lock()
		h.allocStack.PushBack(addr)
		h.mu.Unlock()
	}

	if total >= h.concurrentStartBytes && !h.gcRunning() {
		go func() {
			_, _ = h.runGC(context.Background(), h.nextGCType, true, gcstats.CauseBackground, false)
		}()
	}
}

func (h *Heap) gcRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isGCRunning
}

func (h *Heap) waitForGCIdle() {
	h.mu.Lock()
	for h.isGCRunning {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// Allocate returns a zero-initialized, correctly-aligned object of
// size bytes (spec §4.1). tlab may be nil to force allocation straight
// from the global bump cursor or malloc space.
func (h *Heap) Allocate(tlab *space.TLAB, hint AllocatorHint, size uintptr) (uintptr, error) {
	for attempt := 0; attempt < 3; attempt++ {
		addr, err := h.allocateOnce(tlab, hint, size)
		if err != errAllocatorChanged {
			return addr, err
		}
	}
	return 0, h.outOfMemory(size)
}

func (h *Heap) allocateOnce(tlab *space.TLAB, hint AllocatorHint, size uintptr) (uintptr, error) {
	if addr, allocated, ok := h.tryToAllocate(tlab, hint, size); ok {
		h.afterAlloc(addr, allocated)
		return addr, nil
	}

	startedMoving := h.moving

	// Step 1: wait for an in-progress GC, retry.
	h.waitForGCIdle()
	if addr, allocated, ok := h.tryToAllocate(tlab, hint, size); ok {
		h.afterAlloc(addr, allocated)
		return addr, nil
	}

	// Step 2: run each GC type in the current plan, non-soft-clearing,
	// retrying after each.
	for _, gt := range h.plan() {
		if _, err := h.runGC(context.Background(), gt, false, gcstats.CauseAllocFailed, false); err != nil {
			return 0, err
		}
		if h.moving != startedMoving {
			return 0, errAllocatorChanged
		}
		if addr, allocated, ok := h.tryToAllocate(tlab, hint, size); ok {
			h.afterAlloc(addr, allocated)
			return addr, nil
		}
	}

	// Step 3: allow growth beyond the soft target, up to the hard
	// growth limit, and try once more.
	if addr, allocated, ok := h.allocateWithGrowth(hint, size); ok {
		h.afterAlloc(addr, allocated)
		return addr, nil
	}

	// Step 4: run the last plan entry clearing soft references, retry.
	if _, err := h.runGC(context.Background(), h.planLast(), false, gcstats.CauseAllocFailed, true); err != nil {
		return 0, err
	}
	if h.moving != startedMoving {
		return 0, errAllocatorChanged
	}
	if addr, allocated, ok := h.tryToAllocate(tlab, hint, size); ok {
		h.afterAlloc(addr, allocated)
		return addr, nil
	}

	// Step 5.
	return 0, h.outOfMemory(size)
}

// allocateWithGrowth raises the current malloc space's footprint limit
// to the heap's hard growth limit and retries, letting the allocation
// grow beyond the soft maxAllowedFootprint target (spec §4.1 step 3).
// The prior limit is restored only if the retry fails; after a success
// the raised limit stays in place. Bump-pointer spaces have no separate
// with-growth form: they already grow up to their mapping's limit on
// every Alloc, so this is a no-op for the moving family.
func (h *Heap) allocateWithGrowth(hint AllocatorHint, size uintptr) (addr, allocated uintptr, ok bool) {
	if h.moving {
		return 0, 0, false
	}
	hard := uintptr(h.cfg.Capacity)
	if h.cfg.IgnoreMaxFootprint {
		hard = h.mainMalloc.Limit() - h.mainMalloc.Begin()
	}
	prior := h.mainMalloc.FootprintLimit()
	h.mainMalloc.SetFootprintLimit(hard)
	addr, allocated, ok = h.mainMalloc.AllocWithGrowth(size)
	if !ok {
		h.mainMalloc.SetFootprintLimit(prior)
	}
	return addr, allocated, ok
}
