package collector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gcheap/gcheap/internal/bitmap"
	"github.com/gcheap/gcheap/internal/cardtable"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/modunion"
	"github.com/gcheap/gcheap/internal/objstack"
	"github.com/gcheap/gcheap/internal/refqueue"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

// cardTableHandle pairs a continuous space's card table with the
// range it covers, so MarkSweep can look one up by space name without
// re-deriving begin/end from the mapping each time.
type cardTableHandle struct {
	table *cardtable.Table
	begin uintptr
	end   uintptr
}

// ReferenceQueues bundles the four reachability-class queues plus the
// cleared list spec.md §3/§4.7 requires; both MarkSweep and the heap
// manager share one set across a heap's lifetime.
type ReferenceQueues struct {
	Soft       *refqueue.Queue
	Weak       *refqueue.Queue
	Finalizer  *refqueue.Queue
	Phantom    *refqueue.Queue
	Cleared    *refqueue.ClearedList
}

// NewReferenceQueues returns four empty queues and an empty cleared list.
func NewReferenceQueues() *ReferenceQueues {
	return &ReferenceQueues{
		Soft:      refqueue.New(),
		Weak:      refqueue.New(),
		Finalizer: refqueue.New(),
		Phantom:   refqueue.New(),
		Cleared:   refqueue.NewClearedList(),
	}
}

// MarkSweep implements spec.md §4.5: a non-moving collector driven by
// a gray-stack mark phase (parallelized by sharding mark-stack chunks
// across worker goroutines, per §4.5's "Batch in object-stack chunks
// ... parallelize ... with work-stealing") followed by a sweep that
// frees every live-but-unmarked address in each swept space.
type MarkSweep struct {
	Deps

	allocStack *objstack.Stack
	liveStack  *objstack.Stack

	chunks *objstack.ChunkPool
	grayMu sync.Mutex
	gray   *objstack.Stack

	cardTables map[string]*cardTableHandle // by space name
	modUnions  map[string]*modunion.Table  // by space name (zygote/image)

	Refs *ReferenceQueues

	Workers int

	PreserveSoftReferences func(referent uintptr)
}

// MarkSweepConfig supplies a MarkSweep's collaborators and fixed-size
// resources at construction.
type MarkSweepConfig struct {
	Deps
	AllocStack      *objstack.Stack
	LiveStack       *objstack.Stack
	MarkStackCap    int
	CardTables      map[string]*CardTableHandleSpec
	ModUnions       map[string]*modunion.Table
	Refs            *ReferenceQueues
	Workers         int
	PreserveSoft    func(referent uintptr)
}

// CardTableHandleSpec is the exported constructor form of
// cardTableHandle (the heap manager assembles card tables before a
// MarkSweep exists, so the field names need to be reachable outside
// this package).
type CardTableHandleSpec struct {
	Table *cardtable.Table
	Begin uintptr
	End   uintptr
}

// NewCardTableHandleSpec constructs the input form of a card table
// registration for NewMarkSweep's CardTables map.
func NewCardTableHandleSpec(t *cardtable.Table, begin, end uintptr) *CardTableHandleSpec {
	return &CardTableHandleSpec{Table: t, Begin: begin, End: end}
}

// NewMarkSweep constructs a MarkSweep collector from cfg.
func NewMarkSweep(cfg MarkSweepConfig) *MarkSweep {
	cts := make(map[string]*cardTableHandle, len(cfg.CardTables))
	for name, spec := range cfg.CardTables {
		cts[name] = &cardTableHandle{table: spec.Table, begin: spec.Begin, end: spec.End}
	}
	markCap := cfg.MarkStackCap
	if markCap <= 0 {
		markCap = 1 << 20
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	refs := cfg.Refs
	if refs == nil {
		refs = NewReferenceQueues()
	}
	return &MarkSweep{
		Deps:                   cfg.Deps,
		allocStack:             cfg.AllocStack,
		liveStack:              cfg.LiveStack,
		chunks:                 objstack.NewChunkPool(),
		gray:                   objstack.New(markCap),
		cardTables:             cts,
		modUnions:              cfg.ModUnions,
		Refs:                   refs,
		Workers:                workers,
		PreserveSoftReferences: cfg.PreserveSoft,
	}
}

// isMarked reports whether addr is currently set in the mark bitmap
// (or mark object set) of the space that owns it.
func (c *MarkSweep) isMarked(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	if sp := c.Spaces.SpaceContaining(addr); sp != nil {
		if bs, ok := sp.(bitmapped); ok {
			return bs.MarkBitmap().Test(addr)
		}
	}
	for _, d := range c.Spaces.DiscontinuousSpaces() {
		if lo, ok := d.(*space.LargeObject); ok && lo.Contains(addr) {
			return lo.MarkObjectSet().Test(addr)
		}
	}
	return false
}

// setMarkedIfUnmarked sets addr's mark bit if not already set,
// returning whether it was newly marked (spec §4.5, "if mark bit was
// not set, set it").
func (c *MarkSweep) setMarkedIfUnmarked(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	if sp := c.Spaces.SpaceContaining(addr); sp != nil {
		if bs, ok := sp.(bitmapped); ok {
			return bs.MarkBitmap().TestAndSet(addr)
		}
		return false
	}
	for _, d := range c.Spaces.DiscontinuousSpaces() {
		if lo, ok := d.(*space.LargeObject); ok && lo.Contains(addr) {
			return lo.MarkObjectSet().TestAndSet(addr)
		}
	}
	return false
}

// markAndPush marks addr if unmarked and pushes it onto the gray
// stack for scanning. A full gray stack is a configuration error for
// the sizes spec.md's heaps run at; it is logged and the object is
// dropped rather than panicking, matching the collector's general
// posture of degrading rather than crashing the mutator.
func (c *MarkSweep) markAndPush(addr uintptr) {
	if !c.setMarkedIfUnmarked(addr) {
		return
	}
	c.grayMu.Lock()
	ok := c.gray.PushBack(addr)
	c.grayMu.Unlock()
	if !ok {
		c.logger().Errorf("marksweep: gray stack overflow, dropping %#x", addr)
	}
}

// markRoot adapts markAndPush to rootvisit.RootVisitor. MarkSweep
// never moves objects, so the update callback is never invoked.
func (c *MarkSweep) markRoot(root uintptr, _ func(uintptr)) {
	c.markAndPush(root)
}

func (c *MarkSweep) markFunc(referent uintptr) uintptr {
	c.markAndPush(referent)
	return referent
}

// drainGray runs the transitive closure to completion: each round
// drains the entire current gray stack into fixed-size chunks and
// scans them concurrently (bounded by Workers via a semaphore),
// looping until a round pushes nothing new (spec §4.5's sharded,
// work-stealing mark phase, implemented here as successive parallel
// wavefronts rather than true cross-goroutine stealing, which is
// simpler to reason about for the same asymptotic parallelism).
func (c *MarkSweep) drainGray(ctx context.Context) error {
	for {
		c.grayMu.Lock()
		if c.gray.Len() == 0 {
			c.grayMu.Unlock()
			return nil
		}
		chunks := c.drainIntoChunksLocked()
		c.grayMu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(c.Workers))
		for _, ch := range chunks {
			ch := ch
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				c.scanChunk(ch)
				c.chunks.Recycle(ch)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// drainIntoChunksLocked pops every entry off c.gray into fresh chunks.
// Caller holds c.grayMu.
func (c *MarkSweep) drainIntoChunksLocked() []*objstack.Chunk {
	var chunks []*objstack.Chunk
	cur := c.chunks.NewChunk()
	for {
		addr, ok := c.gray.PopBack()
		if !ok {
			break
		}
		if !cur.Push(addr) {
			chunks = append(chunks, cur)
			cur = c.chunks.NewChunk()
			cur.Push(addr)
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func (c *MarkSweep) scanChunk(ch *objstack.Chunk) {
	for {
		addr, ok := ch.Pop()
		if !ok {
			return
		}
		c.scanObject(addr)
	}
}

func (c *MarkSweep) scanObject(obj uintptr) {
	classPtr := heapobj.ClassOf(obj)
	c.Classes.VisitReferences(classPtr, obj, func(_ uintptr, referent uintptr) {
		if referent != 0 {
			c.markAndPush(referent)
		}
	})
}

// skipSpace reports whether gcType excludes sp from marking/sweeping
// (spec §4.5: partial skips the zygote, sticky additionally skips the
// image).
func skipSpace(gcType gcstats.GCType, sp space.Space) bool {
	switch gcType {
	case gcstats.GCTypeFull:
		return false
	case gcstats.GCTypePartial:
		return sp.Kind() == space.KindZygote
	case gcstats.GCTypeSticky:
		return sp.Kind() == space.KindZygote || sp.Kind() == space.KindImage
	default:
		return false
	}
}

// clearMarkBitmaps zeroes the mark bitmap of every space this cycle
// will mark, so each GC starts marking from a clean slate regardless
// of gcType.
func (c *MarkSweep) clearMarkBitmaps(gcType gcstats.GCType) {
	for _, sp := range c.Spaces.ContinuousSpaces() {
		if skipSpace(gcType, sp) {
			continue
		}
		if bs, ok := sp.(bitmapped); ok {
			fresh := bitmap.New(sp.Begin(), sp.Limit())
			*bs.MarkBitmap() = *fresh
		}
	}
	for _, sp := range c.Spaces.DiscontinuousSpaces() {
		if lo, ok := sp.(*space.LargeObject); ok {
			lo.MarkObjectSet().Walk(func(addr uintptr) { lo.MarkObjectSet().Clear(addr) })
		}
	}
}

// markModUnionTables re-scans the remembered set of every skipped
// space, marking whatever it finds reachable (spec §4.5, "its
// references into other spaces are discovered via its mod-union
// table").
func (c *MarkSweep) markModUnionTables(gcType gcstats.GCType) {
	for name, mu := range c.modUnions {
		h, ok := c.cardTables[name]
		if !ok {
			continue
		}
		skipped := false
		for _, sp := range c.Spaces.ContinuousSpaces() {
			if sp.Name() == name && skipSpace(gcType, sp) {
				skipped = true
			}
		}
		if !skipped {
			continue
		}
		bm := bitmapForCardScan(c, name)
		if bm == nil {
			continue
		}
		mu.UpdateAndMarkReferences(bm, func(obj uintptr, visit func(fieldAddr, referent uintptr)) {
			classPtr := heapobj.ClassOf(obj)
			c.Classes.VisitReferences(classPtr, obj, visit)
		}, c.markFunc, nil)
		_ = h
	}
}

func bitmapForCardScan(c *MarkSweep, spaceName string) cardtable.BitmapLike {
	for _, sp := range c.Spaces.ContinuousSpaces() {
		if sp.Name() != spaceName {
			continue
		}
		if bs, ok := sp.(bitmapped); ok {
			return bs.LiveBitmap()
		}
	}
	return nil
}

// augmentWithLiveStack pushes every object allocated since the last
// GC onto the gray set, as sticky collection's root-set augmentation
// (spec §4.5: "the marking root set is augmented with every object on
// the live stack").
func (c *MarkSweep) augmentWithLiveStack() {
	c.liveStack.Walk(func(addr uintptr) {
		c.markAndPush(addr)
	})
}

// Run executes one full collection cycle and returns its result. The
// concurrent flag only affects when mutators are paused (marking runs
// with mutators live, final-mark briefly stops them); the algorithm
// itself is identical either way at this fidelity.
func (c *MarkSweep) Run(ctx context.Context, gcType gcstats.GCType, concurrent bool, cause gcstats.Cause, clearSoftReferences bool) (gcstats.Result, error) {
	start := time.Now()
	var pauses []time.Duration

	t0 := time.Now()
	c.clearMarkBitmaps(gcType)
	if gcType == gcstats.GCTypeSticky {
		c.augmentWithLiveStack()
	}

	var resume func()
	if !concurrent {
		resume = c.Mutators.SuspendAll()
	} else {
		// Concurrent flavor: each mutator scans its own stack at a
		// checkpoint rather than joining a global pause (spec §4.5,
		// "a checkpoint that has each mutator scan its own stack
		// while paused briefly").
		c.Mutators.CheckpointAll(func(m rootvisit.Mutator) {
			m.VisitRoots(c.markRoot)
		})
	}
	if !concurrent {
		c.visitAllRoots(c.markRoot)
	}
	c.markModUnionTables(gcType)
	if !concurrent {
		resume()
	}
	pauses = append(pauses, time.Since(t0))

	if err := c.drainGray(ctx); err != nil {
		return gcstats.Result{}, err
	}

	// Final mark: stop the world to drain any cards dirtied by
	// mutators that ran concurrently with the mark phase, and
	// re-mark their contents (spec §4.5).
	t1 := time.Now()
	resume2 := c.Mutators.SuspendAll()
	if concurrent {
		c.rescanDirtyCards(gcType)
	}
	c.processReferences(ctx, clearSoftReferences)
	if err := c.drainGray(ctx); err != nil {
		resume2()
		return gcstats.Result{}, err
	}
	freedBytes, freedObjects := c.sweep(gcType)
	c.swapOrMergeBitmaps(gcType)
	resume2()
	pauses = append(pauses, time.Since(t1))

	res := gcstats.Result{
		Cause:        cause,
		Type:         gcType,
		FreedBytes:   freedBytes,
		FreedObjects: freedObjects,
		PauseTimes:   pauses,
		Duration:     time.Since(start),
	}
	if c.Stats != nil {
		c.Stats.Add(res)
	}
	return res, nil
}

// rescanDirtyCards scans every tracked card table for dirty cards and
// re-marks the objects they cover, the final-mark phase's job of
// catching mutator stores that raced with concurrent marking
// (spec §4.5, §4.4).
func (c *MarkSweep) rescanDirtyCards(gcType gcstats.GCType) {
	for _, sp := range c.Spaces.ContinuousSpaces() {
		if skipSpace(gcType, sp) {
			continue
		}
		h, ok := c.cardTables[sp.Name()]
		if !ok {
			continue
		}
		bs, ok := sp.(bitmapped)
		if !ok {
			continue
		}
		h.table.Scan(bs.LiveBitmap(), h.begin, h.end, func(obj uintptr) {
			c.scanObject(obj)
		})
		h.table.Age(h.begin, h.end)
	}
}

// processReferences runs the ordered reference-processing pipeline of
// spec §4.7, draining the mark stack between steps that can mark new
// objects.
func (c *MarkSweep) processReferences(ctx context.Context, clearSoftReferences bool) {
	if !clearSoftReferences && c.PreserveSoftReferences != nil {
		refqueue.PreserveSomeSoftReferences(c.Refs.Soft, c.isMarked, c.PreserveSoftReferences)
		_ = c.drainGray(ctx)
	}

	refqueue.ClearWhiteReferences(c.Refs.Soft, c.isMarked, c.Refs.Cleared, false)
	refqueue.ClearWhiteReferences(c.Refs.Weak, c.isMarked, c.Refs.Cleared, false)

	finalizable := refqueue.EnqueueFinalizerReferences(c.Refs.Finalizer, c.isMarked, c.markFunc)
	_ = c.drainGray(ctx)
	for _, r := range finalizable {
		c.Refs.Finalizer.EnqueueIfNotEnqueued(r)
	}

	// Step 5: re-run soft/weak clearing on anything finalizer marking
	// re-exposed.
	refqueue.ClearWhiteReferences(c.Refs.Soft, c.isMarked, c.Refs.Cleared, false)
	refqueue.ClearWhiteReferences(c.Refs.Weak, c.isMarked, c.Refs.Cleared, false)

	refqueue.ClearWhiteReferences(c.Refs.Phantom, c.isMarked, c.Refs.Cleared, false)
}

// sweep frees every live-but-unmarked address in each swept space
// (spec §4.5, "Sweeping").
func (c *MarkSweep) sweep(gcType gcstats.GCType) (freedBytes, freedObjects uint64) {
	for _, sp := range c.Spaces.ContinuousSpaces() {
		if skipSpace(gcType, sp) || sp.Kind() == space.KindImage {
			continue
		}
		ms, ok := sp.(space.MallocSpace)
		if !ok {
			continue
		}
		bs := sp.(bitmapped)
		var dead []uintptr
		bs.LiveBitmap().Walk(func(addr uintptr) {
			if !bs.MarkBitmap().Test(addr) {
				dead = append(dead, addr)
			}
		})
		freed := ms.FreeList(dead)
		freedBytes += uint64(freed)
		freedObjects += uint64(len(dead))
	}
	for _, sp := range c.Spaces.DiscontinuousSpaces() {
		lo, ok := sp.(*space.LargeObject)
		if !ok {
			continue
		}
		var dead []uintptr
		lo.LiveObjectSet().Walk(func(addr uintptr) {
			if !lo.MarkObjectSet().Test(addr) {
				dead = append(dead, addr)
			}
		})
		freed := lo.FreeList(dead)
		freedBytes += uint64(freed)
		freedObjects += uint64(len(dead))
	}
	return freedBytes, freedObjects
}

// swapOrMergeBitmaps applies spec §4.5's end-of-cycle bitmap update:
// full and partial swap live/mark; sticky ORs mark into live instead,
// since a sticky cycle never swept the spaces it skipped.
func (c *MarkSweep) swapOrMergeBitmaps(gcType gcstats.GCType) {
	for _, sp := range c.Spaces.ContinuousSpaces() {
		if skipSpace(gcType, sp) || sp.Kind() == space.KindImage {
			continue
		}
		bs, ok := sp.(bitmapped)
		if !ok {
			continue
		}
		if gcType == gcstats.GCTypeSticky {
			bitmap.Or(bs.LiveBitmap(), bs.MarkBitmap())
		} else {
			bs.SwapBitmaps()
		}
	}
}

// VerifyHeap runs the reference-liveness check of spec §4.9 in the
// given mode and returns every corruption found.
func (c *MarkSweep) VerifyHeap(mode VerifyMode) []error {
	c.allocStack.Sort()
	c.liveStack.Sort()
	errs := c.verifyReferences(c.cardTables)
	if len(errs) > 0 {
		c.logger().Errorf("verifyHeap[%s]: %d corruption(s) found", mode, len(errs))
	}
	return errs
}

// VerifyMissingCardMarks implements spec §4.9's missing-card-marks
// check: swap allocation and live stacks, then require that every
// reference into an object on the (now) live stack comes from a
// referrer whose card is dirty or aged.
func (c *MarkSweep) VerifyMissingCardMarks() []error {
	objstack.Swap(c.allocStack, c.liveStack)
	defer objstack.Swap(c.allocStack, c.liveStack)

	recent := make(map[uintptr]struct{})
	c.liveStack.Walk(func(addr uintptr) { recent[addr] = struct{}{} })

	var errs []error
	c.walkLiveObjects(func(referrer uintptr) {
		classPtr := heapobj.ClassOf(referrer)
		c.Classes.VisitReferences(classPtr, referrer, func(fieldAddr, referent uintptr) {
			if referent == 0 {
				return
			}
			if _, ok := recent[referent]; !ok {
				return
			}
			sp := c.Spaces.SpaceContaining(referrer)
			if sp == nil {
				errs = append(errs, &MissingCardMarkError{Referrer: referrer, Field: fieldAddr, Referent: referent})
				return
			}
			h, ok := c.cardTables[sp.Name()]
			if !ok || !h.table.IsDirtyOrAged(referrer) {
				errs = append(errs, &MissingCardMarkError{Referrer: referrer, Field: fieldAddr, Referent: referent})
			}
		})
	})
	return errs
}
