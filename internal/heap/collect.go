package heap

import (
	"context"
	"fmt"

	"github.com/gcheap/gcheap/internal/collector"
	"github.com/gcheap/gcheap/internal/gclog"
	"github.com/gcheap/gcheap/internal/gcstats"
)

func (h *Heap) deps() collector.Deps {
	return collector.Deps{
		Spaces:      h.spaces,
		Classes:     h.classes,
		Mutators:    h.mutators,
		GlobalRoots: h.globals,
		Stats:       h.stats,
		Logger:      h.logger,
	}
}

// markSweep builds a MarkSweep collector over the heap's current
// non-moving spaces. Built fresh per cycle since spaces and card tables
// rarely change and the struct itself is cheap (spec §4.5).
func (h *Heap) markSweep() *collector.MarkSweep {
	cts := make(map[string]*collector.CardTableHandleSpec, len(h.cardTables))
	for k, v := range h.cardTables {
		cts[k] = v
	}
	return collector.NewMarkSweep(collector.MarkSweepConfig{
		Deps:         h.deps(),
		AllocStack:   h.allocStack,
		LiveStack:    h.liveStack,
		CardTables:   cts,
		ModUnions:    h.modUnions,
		Refs:         h.refs,
		Workers:      maxInt(1, h.cfg.ParallelGCThreads),
		PreserveSoft: nil,
	})
}

// semiSpace builds a SemiSpace collector over the heap's current
// moving spaces (spec §4.6).
func (h *Heap) semiSpace() *collector.SemiSpace {
	ss := collector.NewSemiSpace(h.deps(), h.mainBump, h.swapBump)
	ss.Refs = h.refs
	if h.mature != nil {
		ss.Mature = h.mature
		if mu, ok := h.modUnions[h.mature.Name()]; ok {
			ss.ModUnion = mu
		}
	}
	return ss
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Collect runs the last GC in the current plan synchronously (spec
// §4.1's "collect" operation).
func (h *Heap) Collect(cause gcstats.Cause, clearSoftReferences bool) error {
	gcType := h.planLast()
	_, err := h.runGC(context.Background(), gcType, false, cause, clearSoftReferences)
	return err
}

// plan returns the escalating sequence of GC types the slow path walks
// through (spec §4.1 step 2). A moving collector has a single
// full-equivalent cycle; a non-moving collector escalates
// sticky→partial→full, skipping partial until a zygote exists.
func (h *Heap) plan() []gcstats.GCType {
	if h.moving {
		return []gcstats.GCType{gcstats.GCTypeFull}
	}
	plan := []gcstats.GCType{gcstats.GCTypeSticky}
	if h.zygoteExists {
		plan = append(plan, gcstats.GCTypePartial)
	}
	return append(plan, gcstats.GCTypeFull)
}

func (h *Heap) planLast() gcstats.GCType {
	p := h.plan()
	return p[len(p)-1]
}

// runGC serializes against any GC already in progress (spec §5 step 1),
// then dispatches to the collector family currently configured and
// applies the growth policy to the result.
func (h *Heap) runGC(ctx context.Context, gcType gcstats.GCType, concurrent bool, cause gcstats.Cause, clearSoftReferences bool) (gcstats.Result, error) {
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

	var res gcstats.Result
	var err error
	if h.moving {
		res = h.semiSpace().Run(cause, clearSoftReferences)
		h.mainBump, h.swapBump = h.swapBump, h.mainBump
	} else {
		res, err = h.markSweep().Run(ctx, gcType, concurrent, cause, clearSoftReferences)
	}
	if err != nil {
		return res, err
	}

	if h.cfg.VerifyPostGCHeap {
		if errs := h.markSweep().VerifyHeap(collector.VerifyPostGC); len(errs) > 0 {
			h.abort(fmt.Sprintf("%d corruption(s) found in post-GC verification: %v", len(errs), errs[0]))
		}
	}

	h.applyGrowthPolicy(res)

	gclog.GCFinished(h.logger, res, h.BytesAllocated(), h.maxAllowedFootprint)
	gclog.LongPause(h.logger, res, h.cfg.LongPauseLogThreshold.Nanoseconds(), h.cfg.LongGCLogThreshold.Nanoseconds())

	return res, nil
}

// applyGrowthPolicy implements spec §4.1's growth-target and
// concurrent-start-bytes formulas.
func (h *Heap) applyGrowthPolicy(res gcstats.Result) {
	allocated := h.BytesAllocated()
	minFree := h.cfg.MinFree
	maxFree := h.cfg.MaxFree
	util := h.cfg.TargetUtilization
	if util <= 0 {
		util = 0.75
	}

	if res.Type != gcstats.GCTypeSticky {
		byUtilization := uint64(float64(allocated) / util)
		target := maxU64(minU64(byUtilization, allocated+maxFree), allocated+minFree)
		h.maxAllowedFootprint = clampU64(target, allocated, h.cfg.GrowthLimit)
		h.nextGCType = gcstats.GCTypeSticky
	} else {
		if allocated+minFree > h.maxAllowedFootprint {
			if h.zygoteExists {
				h.nextGCType = gcstats.GCTypePartial
			} else {
				h.nextGCType = gcstats.GCTypeFull
			}
		} else {
			h.nextGCType = gcstats.GCTypeSticky
		}
		if allocated+maxFree < h.maxAllowedFootprint {
			h.maxAllowedFootprint = allocated + maxFree
		}
	}

	h.lastGCDurationSeconds = res.Duration.Seconds()
	if h.lastGCDurationSeconds > 0 && res.FreedBytes > 0 {
		h.allocationRate = float64(res.FreedBytes) / h.lastGCDurationSeconds
	}

	margin := uint64(h.allocationRate * h.lastGCDurationSeconds)
	margin = clampU64(margin, 128<<10, 512<<10)
	if margin > h.maxAllowedFootprint {
		h.concurrentStartBytes = allocated
	} else {
		h.concurrentStartBytes = maxU64(h.maxAllowedFootprint-margin, allocated)
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func clampU64(v, lo, hi uint64) uint64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// errAllocatorChanged is returned internally by the allocation slow
// path when a concurrent TransitionCollector call changed the
// collector family mid-retry, so the caller should re-dispatch from
// scratch (spec §4.1, "the path aborts and returns null so the caller
// re-dispatches").
var errAllocatorChanged = fmt.Errorf("heap: collector family changed during allocation, retry")
