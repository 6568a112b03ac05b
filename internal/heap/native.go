package heap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gcheap/gcheap/internal/gcstats"
)

// NativeOverFreeError is returned by RegisterNativeFree when n exceeds
// the currently charged native-byte total (spec §7.4): a runtime-level
// exception the caller may inspect or ignore. The counter itself is
// left at its prior value, never clamped to zero.
type NativeOverFreeError struct {
	Freed, Charged uint64
}

func (e *NativeOverFreeError) Error() string {
	return fmt.Sprintf("heap: native free of %d bytes exceeds %d bytes currently charged", e.Freed, e.Charged)
}

// NativeBytes reports bytes currently charged against the heap by
// RegisterNativeAllocation (spec §4.1 "Native accounting").
func (h *Heap) NativeBytes() uint64 { return atomic.LoadUint64(&h.nativeBytes) }

// SetNativeWatermarkCallback installs a hook run by every
// RegisterNativeAllocation call that leaves the native total at or
// above the high watermark, letting the embedder run its own finalizer sweep
// before the heap forces a GC (spec §4.1).
func (h *Heap) SetNativeWatermarkCallback(fn func()) { h.onNativeWatermark = fn }

// RegisterNativeAllocation charges n bytes of off-heap memory against
// the heap's native accounting. Crossing nativeWatermarkHigh runs the
// registered callback (if any) and forces a blocking GC, since native
// memory is invisible to the managed heap's own footprint tracking and
// would otherwise never trigger collection on its own (spec §4.1).
func (h *Heap) RegisterNativeAllocation(n uint64) {
	total := atomic.AddUint64(&h.nativeBytes, n)
	if total < h.nativeWatermarkHigh {
		return
	}
	if h.onNativeWatermark != nil {
		h.onNativeWatermark()
	}
	if atomic.LoadUint64(&h.nativeBytes) >= h.nativeWatermarkHigh {
		_, _ = h.runGC(context.Background(), h.planLast(), false, gcstats.CauseNativeAlloc, false)
	}
}

// RegisterNativeFree discharges n bytes from native accounting, called
// when a finalizer or explicit free releases off-heap memory. Freeing
// more than is currently charged is a caller bug (spec §7.4): it
// leaves the counter untouched and returns a *NativeOverFreeError
// rather than clamping to zero.
func (h *Heap) RegisterNativeFree(n uint64) error {
	for {
		old := atomic.LoadUint64(&h.nativeBytes)
		if n > old {
			return &NativeOverFreeError{Freed: n, Charged: old}
		}
		next := old - n
		if atomic.CompareAndSwapUint64(&h.nativeBytes, old, next) {
			return nil
		}
	}
}
