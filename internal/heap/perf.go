package heap

import (
	"fmt"
	"strings"

	"github.com/gcheap/gcheap/internal/gcstats"
)

// DumpGcPerformanceInfo renders the heap's lifetime GC statistics as a
// four-line report (collections, pauses, footprint, native accounting)
// drawn from one statistics record for all collectors together, the
// table the teacher's logging surface dumps on demand (spec §4.1
// "Introspection").
func (h *Heap) DumpGcPerformanceInfo() string {
	snap := h.stats.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "collections=%d last=%s cumulative=%s freed=%d bytes (%d objects)\n",
		snap.NumCollections, snap.LastType, snap.CumulativeTime, snap.FreedBytes, snap.FreedObjects)
	fmt.Fprintf(&b, "pauses: count=%d p50=%s p99=%s max=%s\n",
		snap.PauseCount, snap.PauseP50, snap.PauseP99, snap.PauseMax)
	fmt.Fprintf(&b, "footprint: allocated=%d maxAllowed=%d concurrentStart=%d growthLimit=%d capacity=%d\n",
		h.BytesAllocated(), h.maxAllowedFootprint, h.concurrentStartBytes, h.cfg.GrowthLimit, h.cfg.Capacity)
	fmt.Fprintf(&b, "native: bytes=%d watermarkLow=%d watermarkHigh=%d\n",
		h.NativeBytes(), h.nativeWatermarkLow, h.nativeWatermarkHigh)
	return b.String()
}

// Snapshot exposes the raw gcstats.Snapshot for callers that want to
// build their own reporting instead of the formatted dump.
func (h *Heap) Snapshot() gcstats.Snapshot { return h.stats.Snapshot() }
