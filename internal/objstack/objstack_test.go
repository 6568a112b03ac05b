package objstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopLIFO(t *testing.T) {
	s := New(4)
	require.True(t, s.PushBack(1))
	require.True(t, s.PushBack(2))
	require.True(t, s.PushBack(3))

	top, ok := s.PopBack()
	require.True(t, ok)
	assert.Equal(t, uintptr(3), top)
	assert.Equal(t, 2, s.Len())
}

func TestOverflowReportsFalse(t *testing.T) {
	s := New(2)
	require.True(t, s.PushBack(1))
	require.True(t, s.PushBack(2))
	assert.False(t, s.PushBack(3), "pushing past capacity must fail, triggering GC-for-alloc upstream")
	assert.True(t, s.Full())
}

func TestSortAndContainsSorted(t *testing.T) {
	s := New(8)
	for _, v := range []uintptr{40, 10, 30, 20} {
		s.PushBack(v)
	}
	s.Sort()
	assert.True(t, s.ContainsSorted(10))
	assert.True(t, s.ContainsSorted(40))
	assert.False(t, s.ContainsSorted(25))
}

func TestReset(t *testing.T) {
	s := New(4)
	s.PushBack(1)
	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains(1))
}

func TestSwap(t *testing.T) {
	alloc := New(4)
	live := New(4)
	alloc.PushBack(100)
	live.PushBack(200)

	Swap(alloc, live)
	assert.True(t, alloc.Contains(200))
	assert.True(t, live.Contains(100))
}

func TestChunkPoolGetPutRoundTrip(t *testing.T) {
	pool := NewChunkPool()
	c := pool.NewChunk()
	c.Push(1)
	c.Push(2)
	pool.Put(c)
	assert.Equal(t, 1, pool.ReadyLen())

	got := pool.Get()
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, 0, pool.ReadyLen())

	v, ok := got.Pop()
	require.True(t, ok)
	assert.Equal(t, uintptr(2), v)
	pool.Recycle(got)
}

func TestChunkPoolEmptyChunkIsRecycledNotPublished(t *testing.T) {
	pool := NewChunkPool()
	c := pool.NewChunk()
	pool.Put(c)
	assert.Equal(t, 0, pool.ReadyLen())
}
