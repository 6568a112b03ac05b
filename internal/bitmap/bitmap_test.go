package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	b := New(0x1000, 0x2000)
	addr := uintptr(0x1000 + 8*5)
	assert.False(t, b.Test(addr))
	b.Set(addr)
	assert.True(t, b.Test(addr))
	b.Clear(addr)
	assert.False(t, b.Test(addr))
}

func TestWalkAscending(t *testing.T) {
	b := New(0x1000, 0x2000)
	want := []uintptr{0x1000, 0x1008, 0x1040, 0x1fc0}
	for _, a := range want {
		b.Set(a)
	}
	var got []uintptr
	b.Walk(func(addr uintptr) { got = append(got, addr) })
	require.Equal(t, want, got)
}

func TestVisitMarkedRange(t *testing.T) {
	b := New(0x1000, 0x3000)
	b.Set(0x1000)
	b.Set(0x1800)
	b.Set(0x2800)
	var got []uintptr
	b.VisitMarkedRange(0x1800, 0x2800, func(addr uintptr) { got = append(got, addr) })
	assert.Equal(t, []uintptr{0x1800}, got)
}

func TestSwap(t *testing.T) {
	live := New(0x1000, 0x2000)
	mark := New(0x1000, 0x2000)
	live.Set(0x1000)
	mark.Set(0x1008)
	Swap(live, mark)
	assert.True(t, live.Test(0x1008))
	assert.True(t, mark.Test(0x1000))
}

func TestOr(t *testing.T) {
	live := New(0x1000, 0x2000)
	mark := New(0x1000, 0x2000)
	live.Set(0x1000)
	mark.Set(0x1008)
	Or(live, mark)
	assert.True(t, live.Test(0x1000))
	assert.True(t, live.Test(0x1008))
	assert.False(t, mark.Test(0x1000))
}

func TestClone(t *testing.T) {
	b := New(0x1000, 0x2000)
	b.Set(0x1000)
	c := b.Clone()
	b.Set(0x1008)
	assert.True(t, c.Test(0x1000))
	assert.False(t, c.Test(0x1008), "clone must not observe later mutation")
}

func TestObjectSet(t *testing.T) {
	s := NewObjectSet()
	assert.Equal(t, 0, s.Len())
	s.Set(0x5000)
	s.Set(0x3000)
	s.Set(0x7000)
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Test(0x5000))
	s.Clear(0x5000)
	assert.False(t, s.Test(0x5000))

	var got []uintptr
	s.Walk(func(addr uintptr) { got = append(got, addr) })
	assert.Equal(t, []uintptr{0x3000, 0x7000}, got)

	got = nil
	s.Set(0x5000)
	s.VisitMarkedRange(0x4000, 0x6000, func(addr uintptr) { got = append(got, addr) })
	assert.Equal(t, []uintptr{0x5000}, got)
}
