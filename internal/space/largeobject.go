package space

import (
	"sync"

	"github.com/gcheap/gcheap/internal/bitmap"
	"github.com/gcheap/gcheap/internal/memmap"
)

// LargeObject is the discontinuous space (spec §3): each allocation
// gets its own backing mapping, and membership is tested by a hash set
// rather than address-range containment.
type LargeObject struct {
	name string
	pool *memmap.Pool

	mu             sync.Mutex
	objects        map[uintptr]*memmap.Mapping
	sizes          map[uintptr]uintptr
	bytesAllocated uint64
	live           *bitmap.ObjectSet
	mark           *bitmap.ObjectSet
}

// NewLargeObject returns an empty large-object space backed by pool.
func NewLargeObject(name string, pool *memmap.Pool) *LargeObject {
	return &LargeObject{
		name:    name,
		pool:    pool,
		objects: make(map[uintptr]*memmap.Mapping),
		sizes:   make(map[uintptr]uintptr),
		live:    bitmap.NewObjectSet(),
		mark:    bitmap.NewObjectSet(),
	}
}

func (s *LargeObject) Kind() Kind     { return KindLargeObject }
func (s *LargeObject) Name() string   { return s.name }
func (s *LargeObject) Begin() uintptr { return 0 }
func (s *LargeObject) End() uintptr   { return 0 }
func (s *LargeObject) Limit() uintptr { return 0 }

func (s *LargeObject) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

// LiveObjectSet returns the set of objects believed live.
func (s *LargeObject) LiveObjectSet() *bitmap.ObjectSet { return s.live }

// MarkObjectSet returns the set of objects found reachable this cycle.
func (s *LargeObject) MarkObjectSet() *bitmap.ObjectSet { return s.mark }

// Alloc maps a fresh region of size bytes and returns its address. A
// mapping failure here is reported as an ordinary allocation failure
// (not the startup-fatal case of spec §7.5), since a single large
// object failing to map is recoverable by the allocation slow path.
func (s *LargeObject) Alloc(size uintptr) (addr uintptr, allocated uintptr, err error) {
	nonFatal := *s.pool
	nonFatal.Abort = func(string, ...interface{}) {}
	m, err := nonFatal.Reserve(s.name, size, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	s.objects[m.Begin] = m
	s.sizes[m.Begin] = m.Size
	s.bytesAllocated += uint64(m.Size)
	s.live.Set(m.Begin)
	s.mu.Unlock()
	return m.Begin, m.Size, nil
}

// Contains reports whether addr is the base address of a live large
// object (spec §3, "membership tested by a hash set").
func (s *LargeObject) Contains(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[addr]
	return ok
}

// Free releases the mapping backing addr, returning the bytes reclaimed.
func (s *LargeObject) Free(addr uintptr) uintptr {
	s.mu.Lock()
	m, ok := s.objects[addr]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	size := s.sizes[addr]
	delete(s.objects, addr)
	delete(s.sizes, addr)
	s.bytesAllocated -= uint64(size)
	s.live.Clear(addr)
	s.mark.Clear(addr)
	s.mu.Unlock()
	_ = m.Release()
	return size
}

// FreeList frees every address in addrs (spec §4.5, "for the
// large-object space, iterate the live-object set similarly").
func (s *LargeObject) FreeList(addrs []uintptr) uintptr {
	var total uintptr
	for _, a := range addrs {
		total += s.Free(a)
	}
	return total
}

// Walk invokes cb(addr, size) for every live large object.
func (s *LargeObject) Walk(cb func(addr, size uintptr)) {
	s.live.Walk(func(addr uintptr) {
		s.mu.Lock()
		size := s.sizes[addr]
		s.mu.Unlock()
		cb(addr, size)
	})
}
