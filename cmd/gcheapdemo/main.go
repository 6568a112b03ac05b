// Command gcheapdemo drives a gcheap.Heap from a single simulated
// mutator goroutine: it allocates a growing linked structure, lets
// most of it go out of scope, and periodically triggers collection,
// printing the performance report in between. It exists to exercise
// the heap manager end to end the way a real embedding runtime's
// integration test would, without requiring an actual managed-language
// front end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gcheap/gcheap"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/rootvisit"
)

// node is the only object shape the demo's embedding language knows
// about: a fixed 16-byte object whose second word is a single
// reference field, enough to build arbitrary linked structures.
const nodeSize = 16

// classNode is the sole class pointer the demo hands the heap; any
// nonzero value works since demoClasses never dereferences it.
const classNode = uintptr(1)

// demoClasses implements gcheap.ClassDescriptor for the single node
// shape above.
type demoClasses struct{}

func (demoClasses) ObjectSize(classPtr uintptr) uintptr { return nodeSize }

func (demoClasses) VisitReferences(classPtr, obj uintptr, cb func(fieldAddr, referent uintptr)) {
	field := obj + 8
	cb(field, heapobj.ReadRef(field))
}

func (demoClasses) IsReferenceClass(classPtr uintptr) heapobj.ReferenceKind {
	return heapobj.ReferenceKindNone
}

// demoMutator simulates a single application thread: a fixed-size ring
// of roots, each possibly pointing at a node allocated earlier.
type demoMutator struct {
	mu    sync.Mutex
	roots []uintptr
}

func newDemoMutator(ringSize int) *demoMutator {
	return &demoMutator{roots: make([]uintptr, ringSize)}
}

// VisitRoots is only ever called between Suspend and Resume, so it
// does not take mu itself: the mutator thread is parked for the
// duration and cannot race with it.
func (m *demoMutator) VisitRoots(visitor rootvisit.RootVisitor) {
	for i, r := range m.roots {
		if r == 0 {
			continue
		}
		idx := i
		visitor(r, func(newRoot uintptr) { m.roots[idx] = newRoot })
	}
}

func (m *demoMutator) Checkpoint(fn func()) { fn() }

func (m *demoMutator) Suspend() {
	m.mu.Lock()
}

func (m *demoMutator) Resume() {
	m.mu.Unlock()
}

func (m *demoMutator) setRoot(i int, addr uintptr) {
	m.mu.Lock()
	m.roots[i] = addr
	m.mu.Unlock()
}

func (m *demoMutator) root(i int) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[i]
}

func main() {
	var (
		ringSize   = flag.Int("roots", 64, "number of root slots the simulated mutator keeps live")
		iterations = flag.Int("iterations", 200000, "number of allocations to perform")
		gcEvery    = flag.Int("gc-every", 20000, "force an explicit collection every N allocations")
	)
	flag.Parse()

	cfg := gcheap.DefaultConfig()
	h, err := gcheap.New(cfg, demoClasses{}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gcheapdemo: creating heap:", err)
		os.Exit(1)
	}
	defer h.Close()

	mut := newDemoMutator(*ringSize)
	h.RegisterMutator(mut)
	defer h.UnregisterMutator(mut)

	var tlab gcheap.TLAB
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < *iterations; i++ {
		addr, err := h.Allocate(&tlab, gcheap.HintAuto, nodeSize)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gcheapdemo: allocate:", err)
			os.Exit(1)
		}
		heapobj.SetClassOf(addr, classNode)

		slot := rng.Intn(*ringSize)
		if prev := mut.root(slot); prev != 0 && rng.Intn(3) == 0 {
			// Occasionally chain the new node off the one it replaces,
			// so some objects stay reachable only transitively. A card
			// table is one per space and owned by the heap internally,
			// so the demo writes the field directly rather than driving
			// the real write barrier through the public API.
			writeFieldRaw(addr+8, prev)
		}
		mut.setRoot(slot, addr)

		if *gcEvery > 0 && (i+1)%*gcEvery == 0 {
			if err := h.Collect(gcheap.CauseExplicit, false); err != nil {
				fmt.Fprintln(os.Stderr, "gcheapdemo: collect:", err)
				os.Exit(1)
			}
			fmt.Printf("after %d allocations:\n%s\n", i+1, h.DumpGcPerformanceInfo())
		}
	}

	fmt.Println("final report:")
	fmt.Println(h.DumpGcPerformanceInfo())
	time.Sleep(0) // returns at once; a background collection still in flight is not waited for
}

func writeFieldRaw(fieldAddr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), val)
}
