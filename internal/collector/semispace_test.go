package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/refqueue"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

func newSemiSpaceNode(from *space.BumpPointer, ref uintptr) uintptr {
	addr, _, ok := from.Alloc(16)
	if !ok {
		panic("test: from-space exhausted")
	}
	heapobj.SetClassOf(addr, classNode)
	writeFieldRaw(addr+8, ref)
	return addr
}

func newSemiSpaceLeaf(from *space.BumpPointer) uintptr {
	addr, _, ok := from.Alloc(16)
	if !ok {
		panic("test: from-space exhausted")
	}
	heapobj.SetClassOf(addr, classLeaf)
	return addr
}

func TestSemiSpaceRunEvacuatesReachableObjects(t *testing.T) {
	mFrom := reserveSpace(t, 1<<16)
	mTo := reserveSpace(t, 1<<16)
	from := space.NewBumpPointer("from", mFrom, 1<<16)
	to := space.NewBumpPointer("to", mTo, 1<<16)

	leaf := newSemiSpaceLeaf(from)
	root := newSemiSpaceNode(from, leaf)
	garbage := newSemiSpaceLeaf(from)
	_ = garbage

	mut := &fakeMutator{roots: []uintptr{root}}
	mutators := rootvisit.NewRegistry()
	mutators.Register(mut)

	c := NewSemiSpace(Deps{
		Classes:  fakeClasses{},
		Mutators: mutators,
		Stats:    gcstats.NewRecord(),
	}, from, to)

	fromOccupied := from.End() - from.Begin()
	res := c.Run(gcstats.CauseExplicit, false)

	assert.Equal(t, uint64(fromOccupied), res.FreedBytes, "evacuation frees the whole old from-space")

	newRoot := mut.roots[0]
	assert.NotEqual(t, root, newRoot, "root should have been forwarded into the new from-space (old to)")
	assert.GreaterOrEqual(t, newRoot, mTo.Begin)
	assert.Less(t, newRoot, mTo.Begin+mTo.Size)

	forwardedLeaf := heapobj.ReadRef(newRoot + 8)
	assert.GreaterOrEqual(t, forwardedLeaf, mTo.Begin)
	assert.Less(t, forwardedLeaf, mTo.Begin+mTo.Size)
	assert.Equal(t, classLeaf, heapobj.ClassOf(forwardedLeaf))
}

func TestSemiSpaceRunClearsWeakReferenceToUnreachableReferent(t *testing.T) {
	mFrom := reserveSpace(t, 1<<16)
	mTo := reserveSpace(t, 1<<16)
	from := space.NewBumpPointer("from", mFrom, 1<<16)
	to := space.NewBumpPointer("to", mTo, 1<<16)

	root := newSemiSpaceLeaf(from)
	garbage := newSemiSpaceLeaf(from)

	mut := &fakeMutator{roots: []uintptr{root}}
	mutators := rootvisit.NewRegistry()
	mutators.Register(mut)

	c := NewSemiSpace(Deps{
		Classes:  fakeClasses{},
		Mutators: mutators,
		Stats:    gcstats.NewRecord(),
	}, from, to)

	weak := refqueue.NewReference(garbage)
	c.Refs.Weak.EnqueueIfNotEnqueued(weak)

	c.Run(gcstats.CauseExplicit, false)

	assert.Equal(t, 1, c.Refs.Cleared.Len(), "weak reference to an unreachable object should be cleared")
	cleared := c.Refs.Cleared.Take()
	require.Len(t, cleared, 1)
	assert.Same(t, weak, cleared[0])
	assert.Equal(t, uintptr(0), cleared[0].Referent)
}

func TestSemiSpaceZygoteCompactBestFitsIntoGaps(t *testing.T) {
	mFrom := reserveSpace(t, 1<<16)
	from := space.NewBumpPointer("from", mFrom, 1<<16)
	a := newSemiSpaceLeaf(from)
	b := newSemiSpaceLeaf(from)
	_ = a

	mTarget := reserveSpace(t, 1<<16)
	target := space.NewSegregatedFreeListSpace("zygote-target", mTarget, 1<<16)

	// Carve out an existing object in the target, then free the very
	// next slot so ZygoteCompact has exactly one gap to best-fit into.
	keep, _, ok := target.AllocWithGrowth(16)
	require.True(t, ok)
	hole, _, ok := target.AllocWithGrowth(16)
	require.True(t, ok)
	target.Free(hole)
	heapobj.SetClassOf(keep, classLeaf)

	mutators := rootvisit.NewRegistry()
	to := space.NewBumpPointer("to", reserveSpace(t, 1<<16), 1<<16)
	c := NewSemiSpace(Deps{Classes: fakeClasses{}, Mutators: mutators}, from, to)

	copied, err := c.ZygoteCompact(target, mTarget.Begin, mTarget.Begin+mTarget.Size)
	require.NoError(t, err)
	assert.Equal(t, 2, copied)

	forwardedA := heapobj.ClassOf(a)
	forwardedB := heapobj.ClassOf(b)
	assert.True(t, forwardedA == hole || forwardedB == hole, "one of the two objects should have filled the freed gap")
}
