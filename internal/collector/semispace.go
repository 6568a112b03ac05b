package collector

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gcheap/gcheap/internal/cardtable"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/modunion"
	"github.com/gcheap/gcheap/internal/refqueue"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

// SemiSpace implements spec.md §4.6: a copying collector over two
// bump-pointer spaces, from and to, that evacuates every reachable
// object from from into to on each cycle and swaps their roles
// afterward. No sweep runs; everything left behind in from is garbage
// by construction.
type SemiSpace struct {
	Deps

	from *space.BumpPointer
	to   *space.BumpPointer

	// Generational variant: when set, references from Mature into
	// the bump-pointer spaces are rooted from its mod-union table's
	// recorded cards rather than a whole-heap traversal (spec §4.6,
	// "A generational variant").
	Mature    space.MallocSpace
	ModUnion  *modunion.Table

	// Refs holds the heap's reference queues (spec §4.7); processed at
	// the same point in the cycle as MarkSweep's own processReferences,
	// using "has this object been forwarded" as the isMarked predicate.
	Refs *ReferenceQueues

	PreserveSoftReferences func(referent uintptr)
}

// NewSemiSpace constructs a SemiSpace collector over the given
// from/to bump-pointer spaces.
func NewSemiSpace(deps Deps, from, to *space.BumpPointer) *SemiSpace {
	return &SemiSpace{Deps: deps, from: from, to: to, Refs: NewReferenceQueues()}
}

func storeFieldRaw(fieldAddr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), val)
}

// forward returns obj's address after evacuation: if obj is not
// currently in the from-space it is already stable and returned
// unchanged; otherwise it is copied into to (if not already copied)
// and the forwarding address is returned. A copied object's old header
// word is overwritten with the forwarding address via
// heapobj.SetClassOf, matching that function's documented reuse as a
// moving collector's forwarding slot.
func (c *SemiSpace) forward(obj uintptr) uintptr {
	if obj == 0 {
		return 0
	}
	if obj < c.from.Begin() || obj >= c.from.End() {
		return obj
	}
	first := heapobj.ClassOf(obj)
	if first >= c.to.Begin() && first < c.to.End() {
		return first // already forwarded this cycle
	}
	classPtr := first
	size := alignObject(c.Classes.ObjectSize(classPtr))
	newAddr, allocated, ok := c.to.Alloc(size)
	if !ok {
		c.logger().Errorf("semispace: to-space exhausted copying %#x (%d bytes)", obj, size)
		return obj
	}
	copyObjectBytes(obj, newAddr, allocated)
	heapobj.SetClassOf(obj, newAddr)
	return newAddr
}

func (c *SemiSpace) forwardRoot(root uintptr, update func(uintptr)) {
	update(c.forward(root))
}

// scanToSpace drains the to-space from scan up to its current end,
// updating every outgoing reference of each object to its forwarded
// address, following Cheney's algorithm: scanning advances alongside
// copying, so a reference discovered mid-scan that has not yet been
// copied is copied right then.
func (c *SemiSpace) scanToSpace(scan uintptr) {
	for scan < c.to.End() {
		classPtr := heapobj.ClassOf(scan)
		size := alignObject(c.Classes.ObjectSize(classPtr))
		c.Classes.VisitReferences(classPtr, scan, func(fieldAddr, referent uintptr) {
			newRef := c.forward(referent)
			if newRef != referent {
				storeFieldRaw(fieldAddr, newRef)
			}
		})
		scan += size
	}
}

// Run executes one copying cycle and returns its result, including the
// reference-processing pipeline of spec §4.7 between evacuation and
// the from-space reset, mirroring MarkSweep.processReferences' shape:
// SemiSpace's isMarked predicate is "has this object been forwarded",
// and its mark step is forward itself, since reachability and
// evacuation happen together in a copying collector.
func (c *SemiSpace) Run(cause gcstats.Cause, clearSoftReferences bool) gcstats.Result {
	start := time.Now()
	t0 := time.Now()

	resume := c.Mutators.SuspendAll()
	scan := c.to.End()
	c.visitAllRoots(c.forwardRoot)
	if c.ModUnion != nil && c.Mature != nil {
		c.scanMatureRememberedSet()
	}
	c.scanToSpace(scan)

	scan = c.to.End()
	c.processReferences(clearSoftReferences)
	c.scanToSpace(scan)

	freedBytes := uint64(c.from.End() - c.from.Begin())
	c.from.Reset()
	resume()

	c.from, c.to = c.to, c.from

	res := gcstats.Result{
		Cause:      cause,
		Type:       gcstats.GCTypeFull,
		FreedBytes: freedBytes,
		PauseTimes: []time.Duration{time.Since(t0)},
		Duration:   time.Since(start),
	}
	if c.Stats != nil {
		c.Stats.Add(res)
	}
	return res
}

// isMarked is SemiSpace's equivalent of MarkSweep's mark-bitmap test:
// an address is live if it lies outside the space currently being
// evacuated (already stable) or its header word has already been
// overwritten with a forwarding address into to-space this cycle.
func (c *SemiSpace) isMarked(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	if addr < c.from.Begin() || addr >= c.from.End() {
		return true
	}
	first := heapobj.ClassOf(addr)
	return first >= c.to.Begin() && first < c.to.End()
}

// markFunc adapts forward to refqueue.MarkFunc: a finalizer reference
// whose referent becomes reachable again must actually be copied into
// to-space, not merely flagged live, since marking and evacuation are
// the same act here.
func (c *SemiSpace) markFunc(referent uintptr) uintptr {
	return c.forward(referent)
}

// processReferences runs the same ordered pipeline as
// MarkSweep.processReferences (spec §4.7). Newly forwarded objects it
// creates (via PreserveSomeSoftReferences' preserve callback or
// EnqueueFinalizerReferences' mark) are scanned by the caller's
// trailing scanToSpace pass, the same way a freshly copied root is.
func (c *SemiSpace) processReferences(clearSoftReferences bool) {
	if c.Refs == nil {
		return
	}
	if !clearSoftReferences && c.PreserveSoftReferences != nil {
		refqueue.PreserveSomeSoftReferences(c.Refs.Soft, c.isMarked, c.PreserveSoftReferences)
	}

	refqueue.ClearWhiteReferences(c.Refs.Soft, c.isMarked, c.Refs.Cleared, false)
	refqueue.ClearWhiteReferences(c.Refs.Weak, c.isMarked, c.Refs.Cleared, false)

	finalizable := refqueue.EnqueueFinalizerReferences(c.Refs.Finalizer, c.isMarked, c.markFunc)
	for _, r := range finalizable {
		c.Refs.Finalizer.EnqueueIfNotEnqueued(r)
	}

	refqueue.ClearWhiteReferences(c.Refs.Soft, c.isMarked, c.Refs.Cleared, false)
	refqueue.ClearWhiteReferences(c.Refs.Weak, c.isMarked, c.Refs.Cleared, false)

	refqueue.ClearWhiteReferences(c.Refs.Phantom, c.isMarked, c.Refs.Cleared, false)
}

// scanMatureRememberedSet re-scans the remembered set of references
// from the mature, non-moving space into the bump-pointer spaces,
// forwarding whatever they still point at and writing back the new
// address (spec §4.6, generational variant).
func (c *SemiSpace) scanMatureRememberedSet() {
	var bm cardtable.BitmapLike
	if bs, ok := c.Mature.(bitmapped); ok {
		bm = bs.LiveBitmap()
	}
	c.ModUnion.UpdateAndMarkReferences(bm, func(obj uintptr, visit func(fieldAddr, referent uintptr)) {
		classPtr := heapobj.ClassOf(obj)
		c.Classes.VisitReferences(classPtr, obj, visit)
	}, c.forward, storeFieldRaw)
}

// zygoteLiveObject is one object copied out of from-space during
// zygote packing, paired with its aligned size.
type zygoteLiveObject struct {
	addr uintptr
	size uintptr
}

// zygoteGap is a free byte range in the target space available for
// bin-packing.
type zygoteGap struct {
	addr uintptr
	size uintptr
}

// ZygoteCompact packs every object currently live in from-space
// densely into target, placing each into the smallest existing gap
// that fits it (best-fit) and appending anything left over, per
// spec §4.6's zygote bin-packing variant (§8 scenario S4). It runs in
// place of an ordinary Run cycle, both when the zygote is forked and
// on every transition from the moving to the non-moving family.
func (c *SemiSpace) ZygoteCompact(target space.MallocSpace, targetBegin, targetEnd uintptr) (copied int, err error) {
	var existing []zygoteLiveObject
	target.Walk(func(addr, size uintptr) {
		existing = append(existing, zygoteLiveObject{addr, size})
	})
	sort.Slice(existing, func(i, j int) bool { return existing[i].addr < existing[j].addr })

	var gaps []zygoteGap
	cursor := targetBegin
	for _, o := range existing {
		if o.addr > cursor {
			gaps = append(gaps, zygoteGap{cursor, o.addr - cursor})
		}
		cursor = o.addr + o.size
	}
	if targetEnd > cursor {
		gaps = append(gaps, zygoteGap{cursor, targetEnd - cursor})
	}

	// A bump-pointer space never leaves gaps between allocations, so
	// every live object (everything still reachable at this point, by
	// construction of calling ZygoteCompact instead of an ordinary
	// Run before any mutator has had a chance to let objects die) is
	// found by walking the occupied range sequentially, the same way
	// scanToSpace walks to-space.
	var toCopy []zygoteLiveObject
	for addr := c.from.Begin(); addr < c.from.End(); {
		classPtr := heapobj.ClassOf(addr)
		size := alignObject(c.Classes.ObjectSize(classPtr))
		toCopy = append(toCopy, zygoteLiveObject{addr, size})
		addr += size
	}
	sort.Slice(toCopy, func(i, j int) bool { return toCopy[i].size > toCopy[j].size })

	for _, obj := range toCopy {
		best := -1
		for i, g := range gaps {
			if g.size >= obj.size && (best == -1 || g.size < gaps[best].size) {
				best = i
			}
		}
		var dst, placedSize uintptr
		if best >= 0 {
			dst = gaps[best].addr
			placedSize = obj.size
			gaps[best].addr += obj.size
			gaps[best].size -= obj.size
		} else {
			addr, allocated, ok := target.AllocWithGrowth(obj.size)
			if !ok {
				return copied, fmt.Errorf("semispace: zygote target exhausted placing %#x (%d bytes)", obj.addr, obj.size)
			}
			dst = addr
			placedSize = allocated
		}
		copyObjectBytes(obj.addr, dst, placedSize)
		heapobj.SetClassOf(obj.addr, dst)
		if best >= 0 {
			target.AdoptExisting(dst, placedSize)
		}
		copied++
	}
	return copied, nil
}

var _ rootvisit.RootVisitor = (*SemiSpace)(nil).forwardRoot
