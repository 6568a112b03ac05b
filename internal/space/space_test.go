package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcheap/gcheap/internal/memmap"
)

func reserve(t *testing.T, size uintptr) *memmap.Mapping {
	t.Helper()
	pool := &memmap.Pool{}
	m, err := pool.Reserve("test", size, memmap.ProtRead|memmap.ProtWrite)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release() })
	return m
}

func TestRegistryRejectsOverlap(t *testing.T) {
	r := NewRegistry()
	m1 := reserve(t, 4096)
	s1 := NewBumpPointer("s1", m1, 4096)
	require.NoError(t, r.Add(s1))

	// Build a second space whose range deliberately overlaps s1 by
	// wrapping the same mapping under a different name.
	s2 := NewBumpPointer("s2", m1, 4096)
	err := r.Add(s2)
	assert.Error(t, err)
}

func TestRegistrySortsByBegin(t *testing.T) {
	r := NewRegistry()
	m1 := reserve(t, 4096)
	m2 := reserve(t, 4096)
	s1 := NewBumpPointer("s1", m1, 4096)
	s2 := NewBumpPointer("s2", m2, 4096)
	require.NoError(t, r.Add(s1))
	require.NoError(t, r.Add(s2))

	spaces := r.ContinuousSpaces()
	require.Len(t, spaces, 2)
	assert.LessOrEqual(t, spaces[0].Begin(), spaces[1].Begin())
}

func TestSpaceContaining(t *testing.T) {
	r := NewRegistry()
	m := reserve(t, 4096)
	s := NewBumpPointer("s", m, 4096)
	require.NoError(t, r.Add(s))
	addr, _, ok := s.Alloc(64)
	require.True(t, ok)

	found := r.SpaceContaining(addr)
	assert.Same(t, Space(s), found)
	assert.Nil(t, r.SpaceContaining(m.End()+1<<20))
}

func TestBumpPointerAllocAdvancesCursor(t *testing.T) {
	m := reserve(t, 4096)
	s := NewBumpPointer("bump", m, 4096)
	a1, n1, ok := s.Alloc(17)
	require.True(t, ok)
	assert.Equal(t, uintptr(24), n1, "size rounds up to 8-byte alignment")

	a2, _, ok := s.Alloc(8)
	require.True(t, ok)
	assert.Equal(t, a1+n1, a2)
	assert.Equal(t, uint64(32), s.BytesAllocated())
}

func TestBumpPointerExhaustion(t *testing.T) {
	m := reserve(t, 4096)
	s := NewBumpPointer("bump", m, 64)
	_, _, ok := s.Alloc(64)
	require.True(t, ok)
	_, _, ok = s.Alloc(8)
	assert.False(t, ok)
}

func TestTLABRefillAndAlloc(t *testing.T) {
	m := reserve(t, 4096)
	s := NewBumpPointer("bump", m, 4096)
	var tlab TLAB
	require.True(t, tlab.Refill(s, 256))
	a1, ok := tlab.Alloc(32)
	require.True(t, ok)
	a2, ok := tlab.Alloc(32)
	require.True(t, ok)
	assert.Equal(t, a1+32, a2)
	assert.Equal(t, uintptr(256-64), tlab.Remaining())
}

func TestTLABRevokeZeroes(t *testing.T) {
	m := reserve(t, 4096)
	s := NewBumpPointer("bump", m, 4096)
	var tlab TLAB
	tlab.Refill(s, 128)
	tlab.Alloc(32)
	wasted := tlab.Revoke()
	assert.Equal(t, uintptr(96), wasted)
	assert.Equal(t, uintptr(0), tlab.Remaining())
}

func TestFreeListAllocAndFree(t *testing.T) {
	m := reserve(t, 1<<16)
	ms := NewRunLengthSpace("malloc", m, 1<<16)

	addr, allocated, ok := ms.AllocWithGrowth(40)
	require.True(t, ok)
	assert.Equal(t, uintptr(48), allocated) // rounds up to the 48-byte class

	freed := ms.Free(addr)
	assert.Equal(t, uintptr(48), freed)
	assert.Equal(t, uint64(0), ms.BytesAllocated())

	addr2, _, ok := ms.Alloc(40)
	require.True(t, ok)
	assert.Equal(t, addr, addr2, "freed chunk should be reused before growing")
}

func TestFreeListRunGrowthPopulatesFreeList(t *testing.T) {
	m := reserve(t, 1<<16)
	ms := NewRunLengthSpace("rosalloc-like", m, 1<<16)

	first, _, ok := ms.AllocWithGrowth(16)
	require.True(t, ok)

	// A run-length space grows by several objects at once, so a
	// second allocation of the same class should be served without
	// the cursor advancing again.
	before := ms.BytesAllocated()
	second, _, ok := ms.Alloc(16)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.Greater(t, ms.BytesAllocated(), before)
}

func TestFreeListFootprintLimit(t *testing.T) {
	m := reserve(t, 1<<16)
	ms := NewSegregatedFreeListSpace("dlmalloc-like", m, 1<<16)
	ms.SetFootprintLimit(64)
	assert.Equal(t, uintptr(64), ms.FootprintLimit())

	_, _, ok := ms.AllocWithGrowth(16)
	require.True(t, ok)
	_, _, ok = ms.AllocWithGrowth(2048)
	assert.False(t, ok, "allocation past the footprint limit must fail without growing")
}

func TestFreeListWalkOrdersByAddress(t *testing.T) {
	m := reserve(t, 1<<16)
	ms := NewSegregatedFreeListSpace("dlmalloc-like", m, 1<<16)
	var addrs []uintptr
	for i := 0; i < 3; i++ {
		a, _, ok := ms.AllocWithGrowth(16)
		require.True(t, ok)
		addrs = append(addrs, a)
	}

	var walked []uintptr
	ms.Walk(func(addr, size uintptr) { walked = append(walked, addr) })
	assert.Equal(t, addrs, walked)
}

func TestRecentlyFreedClasses(t *testing.T) {
	m := reserve(t, 1<<16)
	ms := NewSegregatedFreeListSpace("dlmalloc-like", m, 1<<16)
	a, _, ok := ms.AllocWithGrowth(16)
	require.True(t, ok)
	ms.Free(a)
	assert.Equal(t, []uintptr{16}, ms.RecentlyFreedClasses())
}

func TestLargeObjectAllocAndFree(t *testing.T) {
	pool := &memmap.Pool{}
	lo := NewLargeObject("los", pool)
	addr, allocated, err := lo.Alloc(1 << 20)
	require.NoError(t, err)
	require.True(t, lo.Contains(addr))
	assert.GreaterOrEqual(t, allocated, uintptr(1<<20))

	freed := lo.Free(addr)
	assert.Equal(t, allocated, freed)
	assert.False(t, lo.Contains(addr))
}

func TestImageSpaceIsImmutableByConvention(t *testing.T) {
	m := reserve(t, 4096)
	img := NewImage("image", m, 1024)
	assert.Equal(t, img.Limit(), img.End())
	assert.Equal(t, uint64(1024), img.BytesAllocated())
}
