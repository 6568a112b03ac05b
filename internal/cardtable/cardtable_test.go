package cardtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirtyAndIsDirty(t *testing.T) {
	tbl := New(0x10000, 0x20000)
	addr := uintptr(0x10000 + 3*CardSize)
	assert.Equal(t, Clean, tbl.CardByte(addr))
	tbl.Dirty(addr)
	assert.True(t, tbl.IsDirty(addr))
	assert.True(t, tbl.IsDirtyOrAged(addr))
}

func TestAgingSequence(t *testing.T) {
	// spec §8 scenario S6: DIRTY immediately after a store, DIRTY-1
	// after the first GC, CLEAN after the second.
	tbl := New(0x10000, 0x20000)
	addr := uintptr(0x10000 + CardSize)
	tbl.Dirty(addr)
	require.True(t, tbl.IsDirty(addr))

	tbl.Age(0x10000, 0x20000)
	assert.False(t, tbl.IsDirty(addr))
	assert.True(t, tbl.IsDirtyOrAged(addr))

	tbl.Age(0x10000, 0x20000)
	assert.False(t, tbl.IsDirtyOrAged(addr))
	assert.Equal(t, Clean, tbl.CardByte(addr))
}

type fakeBitmap struct {
	addrs []uintptr
}

func (f *fakeBitmap) VisitMarkedRange(begin, end uintptr, visit func(addr uintptr)) {
	for _, a := range f.addrs {
		if a >= begin && a < end {
			visit(a)
		}
	}
}

func TestScanOnlyVisitsDirtyCards(t *testing.T) {
	tbl := New(0x10000, 0x20000)
	obj1 := uintptr(0x10000)
	obj2 := uintptr(0x10000 + CardSize)
	bm := &fakeBitmap{addrs: []uintptr{obj1, obj2}}

	tbl.Dirty(obj2)

	var visited []uintptr
	tbl.Scan(bm, 0x10000, 0x20000, func(obj uintptr) { visited = append(visited, obj) })
	assert.Equal(t, []uintptr{obj2}, visited)
}

func TestModifyCardsAtomicPostVisitor(t *testing.T) {
	tbl := New(0x10000, 0x20000)
	a := uintptr(0x10000)
	b := uintptr(0x10000 + CardSize)
	tbl.Dirty(a)
	tbl.Dirty(b)

	var oldValues []byte
	tbl.ModifyCardsAtomic(0x10000, 0x20000, func(old byte) byte {
		return Clean
	}, func(old byte) {
		oldValues = append(oldValues, old)
	})

	assert.Len(t, oldValues, 2)
	assert.Equal(t, Clean, tbl.CardByte(a))
	assert.Equal(t, Clean, tbl.CardByte(b))
}
