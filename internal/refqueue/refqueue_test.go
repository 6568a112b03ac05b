package refqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueIfNotEnqueuedIsIdempotent(t *testing.T) {
	q := New()
	r := NewReference(0x1000)
	assert.True(t, q.EnqueueIfNotEnqueued(r))
	assert.False(t, q.EnqueueIfNotEnqueued(r), "already-enqueued reference must not enqueue twice")
	assert.True(t, r.IsEnqueued())
}

func TestDrainResetsEnqueuedAndPendingNext(t *testing.T) {
	q := New()
	a := NewReference(0x1000)
	b := NewReference(0x2000)
	q.EnqueueIfNotEnqueued(a)
	q.EnqueueIfNotEnqueued(b)

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, a, drained[0])
	assert.Equal(t, b, drained[1])
	assert.True(t, q.Empty())

	for _, r := range drained {
		assert.False(t, r.IsEnqueued())
		assert.Nil(t, r.PendingNext)
	}
}

func TestClearWhiteReferences(t *testing.T) {
	q := New()
	live := NewReference(0x1000)
	dead := NewReference(0x2000)
	q.EnqueueIfNotEnqueued(live)
	q.EnqueueIfNotEnqueued(dead)

	cleared := NewClearedList()
	isMarked := func(addr uintptr) bool { return addr == 0x1000 }

	ClearWhiteReferences(q, isMarked, cleared, false)

	assert.True(t, q.Empty())
	require.Equal(t, 1, cleared.Len())
	out := cleared.Take()
	require.Len(t, out, 1)
	assert.Equal(t, dead, out[0])
	assert.Equal(t, uintptr(0), out[0].Referent)
	assert.NotNil(t, out[0].PendingNext, "a cleared reference keeps a non-nil PendingNext per spec invariant")
}

func TestPreserveSomeSoftReferencesRequeues(t *testing.T) {
	q := New()
	soft := NewReference(0x3000)
	q.EnqueueIfNotEnqueued(soft)

	var preserved []uintptr
	isMarked := func(addr uintptr) bool { return false }
	PreserveSomeSoftReferences(q, isMarked, func(referent uintptr) {
		preserved = append(preserved, referent)
	})

	assert.Equal(t, []uintptr{0x3000}, preserved)
	assert.False(t, q.Empty(), "soft references are requeued for a later clearing pass")
}

func TestEnqueueFinalizerReferencesMarksAndCollects(t *testing.T) {
	q := New()
	dead := NewReference(0x4000)
	alive := NewReference(0x5000)
	q.EnqueueIfNotEnqueued(dead)
	q.EnqueueIfNotEnqueued(alive)

	isMarked := func(addr uintptr) bool { return addr == 0x5000 }
	var markedReferents []uintptr
	mark := func(referent uintptr) uintptr {
		markedReferents = append(markedReferents, referent)
		return referent
	}

	finalizable := EnqueueFinalizerReferences(q, isMarked, mark)
	require.Len(t, finalizable, 1)
	assert.Equal(t, dead, finalizable[0])
	assert.Equal(t, []uintptr{0x4000}, markedReferents)
	assert.False(t, q.Empty(), "the still-reachable reference is requeued, not finalized")
}

func TestClearedListTakeEmptiesList(t *testing.T) {
	cleared := NewClearedList()
	r := NewReference(0)
	cleared.Add(r)
	assert.Equal(t, 1, cleared.Len())
	out := cleared.Take()
	assert.Len(t, out, 1)
	assert.Equal(t, 0, cleared.Len(), "Take must empty the list")
}
