package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcheap/gcheap/internal/cardtable"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/objstack"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

func newTestMarkSweep(t *testing.T, ms space.MallocSpace, mut *fakeMutator) (*MarkSweep, *space.Registry) {
	t.Helper()
	reg := space.NewRegistry()
	require.NoError(t, reg.Add(ms))

	mutators := rootvisit.NewRegistry()
	mutators.Register(mut)

	cards := cardtable.New(ms.Begin(), ms.Limit())

	cfg := MarkSweepConfig{
		Deps: Deps{
			Spaces:   reg,
			Classes:  fakeClasses{},
			Mutators: mutators,
			Stats:    gcstats.NewRecord(),
		},
		AllocStack: objstack.New(1024),
		LiveStack:  objstack.New(1024),
		CardTables: map[string]*CardTableHandleSpec{
			ms.Name(): NewCardTableHandleSpec(cards, ms.Begin(), ms.Limit()),
		},
		Workers: 2,
	}
	return NewMarkSweep(cfg), reg
}

func TestMarkSweepFullCollectsUnreachable(t *testing.T) {
	m := reserveSpace(t, 1<<16)
	ms := space.NewSegregatedFreeListSpace("main", m, 1<<16)

	leaf := newLeaf(ms)
	root := newNode(ms, leaf)
	garbage := newLeaf(ms)
	_ = garbage

	mut := &fakeMutator{roots: []uintptr{root}}
	c, _ := newTestMarkSweep(t, ms, mut)

	res, err := c.Run(context.Background(), gcstats.GCTypeFull, false, gcstats.CauseExplicit, true)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.FreedObjects)
	assert.Equal(t, uint64(16), res.FreedBytes)

	assert.True(t, c.isLiveAnywhere(root))
	assert.True(t, c.isLiveAnywhere(leaf))
	assert.False(t, c.isLiveAnywhere(garbage))
}

func TestMarkSweepStickyAugmentsFromLiveStack(t *testing.T) {
	m := reserveSpace(t, 1<<16)
	ms := space.NewSegregatedFreeListSpace("main", m, 1<<16)

	leaf := newLeaf(ms)

	mut := &fakeMutator{roots: nil}
	c, _ := newTestMarkSweep(t, ms, mut)
	c.liveStack.PushBack(leaf)

	res, err := c.Run(context.Background(), gcstats.GCTypeSticky, false, gcstats.CauseAllocFailed, true)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), res.FreedObjects, "live-stack object must survive a sticky cycle with no roots")
	assert.True(t, c.isLiveAnywhere(leaf))
}

func TestMarkSweepVerifyHeapFindsDanglingReference(t *testing.T) {
	m := reserveSpace(t, 1<<16)
	ms := space.NewSegregatedFreeListSpace("main", m, 1<<16)

	dangling := uintptr(0xdead0000)
	root := newNode(ms, dangling)

	mut := &fakeMutator{roots: []uintptr{root}}
	c, _ := newTestMarkSweep(t, ms, mut)

	errs := c.VerifyHeap(VerifyPreGC)
	require.Len(t, errs, 1)
	corrupt, ok := errs[0].(*CorruptionError)
	require.True(t, ok)
	assert.Equal(t, root, corrupt.Referrer)
	assert.Equal(t, dangling, corrupt.Referent)
}

func TestMarkSweepConcurrentRunsCheckpoint(t *testing.T) {
	m := reserveSpace(t, 1<<16)
	ms := space.NewSegregatedFreeListSpace("main", m, 1<<16)

	leaf := newLeaf(ms)
	root := newNode(ms, leaf)

	mut := &fakeMutator{roots: []uintptr{root}}
	c, _ := newTestMarkSweep(t, ms, mut)

	_, err := c.Run(context.Background(), gcstats.GCTypeFull, true, gcstats.CauseBackground, true)
	require.NoError(t, err)

	assert.True(t, c.isLiveAnywhere(root))
	assert.True(t, c.isLiveAnywhere(leaf))
}
