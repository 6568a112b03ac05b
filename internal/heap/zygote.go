package heap

import (
	"fmt"

	"github.com/gcheap/gcheap/internal/collector"
	"github.com/gcheap/gcheap/internal/memmap"
	"github.com/gcheap/gcheap/internal/modunion"
	"github.com/gcheap/gcheap/internal/space"
)

// ForkZygote packs every object currently live in the moving main
// space densely into a new frozen malloc space (spec §4.6's zygote
// bin-packing variant, §8 scenario S4), and arranges for it to
// participate as SemiSpace's Mature generation via a fresh mod-union
// table. Run once, before any child process forks from this one.
//
// The current implementation only supports forking from a moving
// heap: a non-moving heap has no BumpPointer "from" space for
// SemiSpace.ZygoteCompact to walk, and ART itself only ever performs
// this fork from the pre-zygote moving configuration NewHeap defaults
// to, so that gap is not filled here.
func (h *Heap) ForkZygote() error {
	if h.zygoteExists {
		return fmt.Errorf("heap: zygote already forked")
	}
	if !h.moving {
		return fmt.Errorf("heap: zygote fork requires the moving collector family")
	}

	occupied := h.mainBump.End() - h.mainBump.Begin()
	if occupied == 0 {
		occupied = 1
	}
	zm, err := h.pool.Reserve("zygote", occupied, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return fmt.Errorf("heap: reserve zygote space: %w", err)
	}
	zygoteSpace := space.NewSegregatedFreeListSpace("zygote", zm, occupied)

	resume := h.mutators.SuspendAll()
	defer resume()

	ss := collector.NewSemiSpace(h.deps(), h.mainBump, h.swapBump)
	begin, end := h.mainBump.Begin(), h.mainBump.End()
	if _, err := ss.ZygoteCompact(zygoteSpace, zygoteSpace.Begin(), zygoteSpace.Limit()); err != nil {
		return err
	}
	h.fixupRootsInRange(begin, end)
	h.mainBump.Reset()

	space.FreezeAsZygote(zygoteSpace)
	if err := h.spaces.Add(zygoteSpace); err != nil {
		return err
	}

	cards := h.cardTableFor(zygoteSpace)
	h.modUnions[zygoteSpace.Name()] = modunion.New(modunion.KindCardCache, cards)

	h.mature = zygoteSpace
	h.zygoteExists = true
	return nil
}
