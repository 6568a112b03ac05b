package collector

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/memmap"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

// writeFieldRaw stores val into the reference field at fieldAddr
// without dirtying a card, for building test fixtures directly rather
// than going through the write barrier.
func writeFieldRaw(fieldAddr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), val)
}

// classLeaf and classNode are arbitrary sentinel "class pointers": the
// collector treats a class pointer opaquely and only ever passes it
// back to fakeClasses, so there is no need for them to address real
// class metadata.
const (
	classLeaf uintptr = 0x1000
	classNode uintptr = 0x2000
)

// fakeClasses describes two fixed-layout classes: a leaf with no
// outgoing references, and a node with a single reference field at
// offset 8 (right after the 8-byte class-pointer header).
type fakeClasses struct{}

func (fakeClasses) ObjectSize(classPtr uintptr) uintptr { return 16 }

func (fakeClasses) VisitReferences(classPtr, obj uintptr, cb func(fieldAddr, referent uintptr)) {
	if classPtr != classNode {
		return
	}
	field := obj + 8
	cb(field, heapobj.ReadRef(field))
}

func (fakeClasses) IsReferenceClass(classPtr uintptr) heapobj.ReferenceKind {
	return heapobj.ReferenceKindNone
}

// fakeMutator is a single mutator whose root set is fixed at
// construction; Checkpoint runs fn synchronously since the tests never
// have a second goroutine racing it.
type fakeMutator struct {
	roots []uintptr
}

func (m *fakeMutator) VisitRoots(visitor rootvisit.RootVisitor) {
	for i, r := range m.roots {
		i := i
		visitor(r, func(newRoot uintptr) { m.roots[i] = newRoot })
	}
}

func (m *fakeMutator) Checkpoint(fn func()) { fn() }
func (m *fakeMutator) Suspend()             {}
func (m *fakeMutator) Resume()              {}

func reserveSpace(t *testing.T, size uintptr) *memmap.Mapping {
	t.Helper()
	pool := &memmap.Pool{}
	m, err := pool.Reserve("test", size, memmap.ProtRead|memmap.ProtWrite)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release() })
	return m
}

// newNode allocates a node object (one reference field) from ms and
// writes its class pointer; ref may be 0 for "not yet linked".
func newNode(ms space.MallocSpace, ref uintptr) uintptr {
	addr, _, ok := ms.AllocWithGrowth(16)
	if !ok {
		panic("test: malloc space exhausted")
	}
	heapobj.SetClassOf(addr, classNode)
	writeFieldRaw(addr+8, ref)
	return addr
}

func newLeaf(ms space.MallocSpace) uintptr {
	addr, _, ok := ms.AllocWithGrowth(16)
	if !ok {
		panic("test: malloc space exhausted")
	}
	heapobj.SetClassOf(addr, classLeaf)
	return addr
}
