package heap

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapconfig"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/rootvisit"
)

const (
	classLeaf = uintptr(1)
	classNode = uintptr(2)
)

type testClasses struct{}

func (testClasses) ObjectSize(classPtr uintptr) uintptr { return 16 }

func (testClasses) VisitReferences(classPtr, obj uintptr, cb func(fieldAddr, referent uintptr)) {
	if classPtr != classNode {
		return
	}
	field := obj + 8
	cb(field, heapobj.ReadRef(field))
}

func (testClasses) IsReferenceClass(classPtr uintptr) heapobj.ReferenceKind {
	return heapobj.ReferenceKindNone
}

type testMutator struct {
	roots []uintptr
}

func (m *testMutator) VisitRoots(visitor rootvisit.RootVisitor) {
	for i, r := range m.roots {
		if r == 0 {
			continue
		}
		idx := i
		visitor(r, func(newRoot uintptr) { m.roots[idx] = newRoot })
	}
}

func (m *testMutator) Checkpoint(fn func()) { fn() }
func (m *testMutator) Suspend()             {}
func (m *testMutator) Resume()              {}

func writeFieldRaw(fieldAddr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), val)
}

func testConfig() heapconfig.Config {
	cfg := heapconfig.Default()
	cfg.InitialSize = 1 << 16
	cfg.GrowthLimit = 1 << 20
	cfg.Capacity = 1 << 20
	cfg.MinFree = 256
	cfg.MaxFree = 4096
	cfg.UseTLAB = false
	return cfg
}

func newTestHeap(t *testing.T) (*Heap, *testMutator) {
	t.Helper()
	h, err := NewHeap(testConfig(), testClasses{}, nil)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	mut := &testMutator{}
	h.RegisterMutator(mut)
	return h, mut
}

func TestHeapAllocateZeroesMemory(t *testing.T) {
	h, _ := newTestHeap(t)

	addr, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Equal(t, uintptr(0), heapobj.ClassOf(addr), "freshly allocated memory must read back zero")
}

func TestHeapCollectEvacuatesReachableObjects(t *testing.T) {
	h, mut := newTestHeap(t)

	leaf, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(leaf, classLeaf)

	root, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(root, classNode)
	writeFieldRaw(root+8, leaf)

	garbage, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(garbage, classLeaf)

	mut.roots = []uintptr{root}

	require.NoError(t, h.Collect(gcstats.CauseExplicit, false))

	newRoot := mut.roots[0]
	assert.NotEqual(t, root, newRoot, "root should have been evacuated to the new from-space")
	assert.Equal(t, classNode, heapobj.ClassOf(newRoot))

	newLeaf := heapobj.ReadRef(newRoot + 8)
	assert.Equal(t, classLeaf, heapobj.ClassOf(newLeaf))
}

func TestHeapGrowthPolicyRetargetsFootprintAfterFullGC(t *testing.T) {
	h, _ := newTestHeap(t)
	atomic.StoreUint64(&h.bytesAllocated, 8<<10)
	before := h.maxAllowedFootprint

	h.applyGrowthPolicy(gcstats.Result{Type: gcstats.GCTypeFull, FreedBytes: 1024})

	assert.Equal(t, gcstats.GCTypeSticky, h.nextGCType)
	assert.NotEqual(t, before, h.maxAllowedFootprint)
	assert.GreaterOrEqual(t, h.maxAllowedFootprint, uint64(8<<10)+h.cfg.MinFree)
}

func TestHeapTransitionCollectorRoundTrip(t *testing.T) {
	h, mut := newTestHeap(t)
	require.True(t, h.moving)

	leaf, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(leaf, classLeaf)

	root, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(root, classNode)
	writeFieldRaw(root+8, leaf)
	mut.roots = []uintptr{root}

	require.NoError(t, h.TransitionCollector(heapconfig.CollectorMS))
	assert.False(t, h.moving)

	movedRoot := mut.roots[0]
	assert.Equal(t, classNode, heapobj.ClassOf(movedRoot))
	movedLeaf := heapobj.ReadRef(movedRoot + 8)
	assert.Equal(t, classLeaf, heapobj.ClassOf(movedLeaf))

	require.NoError(t, h.TransitionCollector(heapconfig.CollectorGSS))
	assert.True(t, h.moving)

	finalRoot := mut.roots[0]
	assert.Equal(t, classNode, heapobj.ClassOf(finalRoot))
	finalLeaf := heapobj.ReadRef(finalRoot + 8)
	assert.Equal(t, classLeaf, heapobj.ClassOf(finalLeaf))
}

func TestHeapTransitionCollectorSameFamilyForcesGC(t *testing.T) {
	h, _ := newTestHeap(t)
	require.NoError(t, h.TransitionCollector(heapconfig.CollectorGSS))
	assert.True(t, h.moving)
	assert.Equal(t, heapconfig.CollectorGSS, h.collector)
	assert.Equal(t, 1, h.Snapshot().NumCollections)
}

func TestHeapNativeAllocationTriggersGCAtWatermark(t *testing.T) {
	h, _ := newTestHeap(t)
	h.nativeWatermarkHigh = 1024
	var called int32
	h.SetNativeWatermarkCallback(func() { atomic.AddInt32(&called, 1) })

	h.RegisterNativeAllocation(2048)

	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
	assert.Equal(t, 1, h.Snapshot().NumCollections)
	assert.Equal(t, uint64(2048), h.NativeBytes())

	require.NoError(t, h.RegisterNativeFree(2048))
	assert.Equal(t, uint64(0), h.NativeBytes())
}

func TestHeapRegisterNativeFreeOverFreeReturnsErrorAndLeavesCounterUnchanged(t *testing.T) {
	h, _ := newTestHeap(t)
	h.RegisterNativeAllocation(1024)

	err := h.RegisterNativeFree(2048)
	var overFree *NativeOverFreeError
	require.ErrorAs(t, err, &overFree)
	assert.Equal(t, uint64(2048), overFree.Freed)
	assert.Equal(t, uint64(1024), overFree.Charged)
	assert.Equal(t, uint64(1024), h.NativeBytes(), "counter must be left at its prior value, not clamped to zero")
}

func TestHeapProcessStateBackgroundTransitionsCollector(t *testing.T) {
	h, _ := newTestHeap(t)
	require.NoError(t, h.SetProcessState(false, true))
	assert.Equal(t, h.cfg.BackgroundCollectorType, h.collector)
}

func TestHeapAbortFuncInterceptsPostGCCorruption(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyPostGCHeap = true
	h, err := NewHeap(cfg, testClasses{}, nil)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	mut := &testMutator{}
	h.RegisterMutator(mut)
	require.NoError(t, h.TransitionCollector(heapconfig.CollectorMS))

	var aborted string
	h.SetAbortFunc(func(msg string) { aborted = msg })

	root, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(root, classNode)
	writeFieldRaw(root+8, uintptr(0xdead0000))
	mut.roots = []uintptr{root}

	require.NoError(t, h.Collect(gcstats.CauseExplicit, false))
	assert.NotEmpty(t, aborted, "corruption found during post-GC verification should call the abort hook")
}

func TestHeapVerifyHeapFindsDanglingReferenceAfterTransitionToNonMoving(t *testing.T) {
	h, mut := newTestHeap(t)
	require.NoError(t, h.TransitionCollector(heapconfig.CollectorMS))

	dangling := uintptr(0xdead0000)
	root, err := h.Allocate(nil, HintAuto, 16)
	require.NoError(t, err)
	heapobj.SetClassOf(root, classNode)
	writeFieldRaw(root+8, dangling)
	mut.roots = []uintptr{root}

	errs := h.VerifyHeap()
	require.Len(t, errs, 1)
}
