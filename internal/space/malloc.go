package space

import (
	"sort"

	"github.com/gcheap/gcheap/internal/memmap"
)

// MallocSpace is the sealed interface both free-list flavors satisfy
// (spec §4.3; §9's "ambiguity to flag" note: one hierarchy, two
// variants, rather than re-deriving the allocator kind at runtime).
type MallocSpace interface {
	Space
	Alloc(size uintptr) (addr uintptr, allocated uintptr, ok bool)
	AllocWithGrowth(size uintptr) (addr uintptr, allocated uintptr, ok bool)
	Free(addr uintptr) (freedBytes uintptr)
	FreeList(addrs []uintptr) (freedBytes uintptr)
	Trim() (bytesReleased uintptr)
	Walk(cb func(addr uintptr, size uintptr))
	SetFootprintLimit(limit uintptr)
	FootprintLimit() uintptr
	RecentlyFreedClasses() []uintptr

	// LargestFreeChunk reports the largest single allocation this
	// space could currently satisfy without growing past its footprint
	// limit, for the out-of-memory-under-fragmentation diagnostic of
	// spec §8 scenario S1.
	LargestFreeChunk() uintptr

	// AdoptExisting records addr as a live allocation of size bytes
	// without bumping the cursor or touching the free list, for the
	// semi-space collector's zygote bin-packing variant (spec §4.6),
	// which places objects directly into gaps it has already computed.
	AdoptExisting(addr, size uintptr)
}

// sizeClasses are the run-length size classes both flavors bucket
// allocations into, matching typical small-object GC allocators'
// doubling schedule up to one page, falling back to an exact-size slab
// above that.
var sizeClasses = []uintptr{16, 24, 32, 48, 64, 96, 128, 192, 256, 384, 512, 1024, 2048, 4096}

func classFor(size uintptr) uintptr {
	for _, c := range sizeClasses {
		if size <= c {
			return c
		}
	}
	return align8(size)
}

const recentlyFreedCap = 16

// freeListAllocator is the mechanism shared by both MallocSpace
// flavors: a bump cursor for never-yet-used memory, plus per-size-class
// free lists for reclaimed memory. The two flavors differ only in how
// AllocWithGrowth chooses to grow (runLengthSpace grows by whole runs
// of a size class at once, modeled on ART's RosAlloc; segregatedFreeListSpace
// grows one object at a time, modeled on dlmalloc) and in their Name.
type freeListAllocator struct {
	base
	footprintLimit uintptr
	cursor         uintptr
	free           map[uintptr][]uintptr // size class -> free addrs
	liveSize       map[uintptr]uintptr   // addr -> allocated size, for Walk/Free
	recentClasses  []uintptr             // ring buffer of recently-freed sizes (diagnostics only)
	runGrowth      bool                  // true: grow by a run of several objects at once (RosAlloc-style)
}

func newFreeListAllocator(name string, kind Kind, m *memmap.Mapping, limit uintptr, runGrowth bool) *freeListAllocator {
	return &freeListAllocator{
		base:           newBase(name, kind, m, limit),
		footprintLimit: limit,
		cursor:         m.Begin,
		free:           make(map[uintptr][]uintptr),
		liveSize:       make(map[uintptr]uintptr),
		runGrowth:      runGrowth,
	}
}

func (s *freeListAllocator) End() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *freeListAllocator) FootprintLimit() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.footprintLimit
}

func (s *freeListAllocator) SetFootprintLimit(limit uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.footprintLimit = limit
}

// Alloc serves size from an existing free-list entry of the matching
// class, without growing the footprint. Returns ok=false if no free
// chunk is available, leaving growth decisions to AllocWithGrowth.
func (s *freeListAllocator) Alloc(size uintptr) (uintptr, uintptr, bool) {
	class := classFor(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	if list := s.free[class]; len(list) > 0 {
		addr := list[len(list)-1]
		s.free[class] = list[:len(list)-1]
		s.liveSize[addr] = class
		s.bytesAllocated += uint64(class)
		s.live.Set(addr)
		return addr, class, true
	}
	return 0, 0, false
}

// AllocWithGrowth serves size from the free list if possible, and
// otherwise grows the footprint by bumping the cursor — by a whole run
// of several objects of this class at once for a run-length space, or
// by exactly one object for a segregated free-list space — up to
// footprintLimit (spec §4.3: "maintains a footprint limit distinct from
// capacity; setFootprintLimit clamps growth").
func (s *freeListAllocator) AllocWithGrowth(size uintptr) (uintptr, uintptr, bool) {
	if addr, allocated, ok := s.Alloc(size); ok {
		return addr, allocated, true
	}
	class := classFor(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	runLen := uintptr(1)
	if s.runGrowth {
		const objectsPerRun = 8
		runLen = objectsPerRun
	}
	need := class * runLen
	limitAddr := s.Begin() + s.footprintLimit
	if s.cursor+need > limitAddr {
		// Fall back to whatever single-object room remains.
		need = class
		if s.cursor+need > limitAddr {
			return 0, 0, false
		}
		runLen = 1
	}

	addr := s.cursor
	s.cursor += need
	s.liveSize[addr] = class
	s.bytesAllocated += uint64(class)
	s.live.Set(addr)

	// Any additional objects in the run become immediately-free
	// inventory for the next allocations of this class.
	for i := uintptr(1); i < runLen; i++ {
		extra := addr + class*i
		s.free[class] = append(s.free[class], extra)
	}
	return addr, class, true
}

// Free reclaims a single object, returning it to its size class's free
// list, and records its class in the recently-freed ring buffer for
// post-mortem diagnostics on corruption (spec §4.3).
func (s *freeListAllocator) Free(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	class, ok := s.liveSize[addr]
	if !ok {
		return 0
	}
	delete(s.liveSize, addr)
	s.free[class] = append(s.free[class], addr)
	s.bytesAllocated -= uint64(class)
	s.live.Clear(addr)
	s.recordRecentLocked(class)
	return class
}

// FreeList reclaims every address in addrs, as the mark-sweep sweeper
// does with the set of live-but-not-marked addresses of one space
// (spec §4.5, "Sweeping").
func (s *freeListAllocator) FreeList(addrs []uintptr) uintptr {
	var total uintptr
	for _, a := range addrs {
		total += s.Free(a)
	}
	return total
}

func (s *freeListAllocator) recordRecentLocked(class uintptr) {
	s.recentClasses = append(s.recentClasses, class)
	if len(s.recentClasses) > recentlyFreedCap {
		s.recentClasses = s.recentClasses[len(s.recentClasses)-recentlyFreedCap:]
	}
}

// RecentlyFreedClasses returns up to the last 16 freed size classes,
// most recent last, for post-mortem diagnostics on heap corruption
// (spec §4.3).
func (s *freeListAllocator) RecentlyFreedClasses() []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uintptr, len(s.recentClasses))
	copy(out, s.recentClasses)
	return out
}

// LargestFreeChunk returns the size of the largest single allocation
// currently available without growing: either an existing free-list
// entry or the untouched room between the cursor and the footprint
// limit, whichever is larger. Grounded on ART's
// Heap::ThrowOutOfMemoryError, which walks each malloc space's chunks
// via MSpaceChunkCallback to report "the largest possible contiguous
// allocation" when a failed allocation had enough total free bytes to
// succeed were they not fragmented.
func (s *freeListAllocator) LargestFreeChunk() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var largest uintptr
	for class, list := range s.free {
		if len(list) > 0 && class > largest {
			largest = class
		}
	}
	if room := s.Begin() + s.footprintLimit - s.cursor; room > largest {
		largest = room
	}
	return largest
}

// AdoptExisting marks addr as already holding a live object of size
// bytes, bypassing the cursor and free list entirely. See MallocSpace.
func (s *freeListAllocator) AdoptExisting(addr, size uintptr) {
	s.mu.Lock()
	s.liveSize[addr] = size
	s.bytesAllocated += uint64(size)
	s.live.Set(addr)
	s.mu.Unlock()
}

// Trim releases pages backing fully-free tail space back to the OS via
// madvise, returning the number of bytes released (spec §4.3).
func (s *freeListAllocator) Trim() uintptr {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	pageSize := uintptr(4096)
	alignedEnd := (cursor + pageSize - 1) &^ (pageSize - 1)
	if alignedEnd >= s.Limit() {
		return 0
	}
	if err := s.mapping.MadviseDontNeed(alignedEnd, s.Limit()); err != nil {
		return 0
	}
	return s.Limit() - alignedEnd
}

// Walk invokes cb(addr, size) for every live (allocated, unfreed)
// object, in ascending address order (spec §4.3).
func (s *freeListAllocator) Walk(cb func(addr, size uintptr)) {
	s.mu.Lock()
	addrs := make([]uintptr, 0, len(s.liveSize))
	sizes := make(map[uintptr]uintptr, len(s.liveSize))
	for a, sz := range s.liveSize {
		addrs = append(addrs, a)
		sizes[a] = sz
	}
	s.mu.Unlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		cb(a, sizes[a])
	}
}

// runLengthSpace is the run-length/size-class malloc flavor, modeled
// on ART's RosAlloc (spec §4.3, §9 supplement).
type runLengthSpace struct{ *freeListAllocator }

// NewRunLengthSpace constructs a run-length malloc space.
func NewRunLengthSpace(name string, m *memmap.Mapping, limit uintptr) MallocSpace {
	return &runLengthSpace{newFreeListAllocator(name, KindMalloc, m, limit, true)}
}

// segregatedFreeListSpace is the simpler, one-object-at-a-time malloc
// flavor, modeled on dlmalloc (spec §4.3, §9 supplement).
type segregatedFreeListSpace struct{ *freeListAllocator }

// NewSegregatedFreeListSpace constructs a dlmalloc-style malloc space.
func NewSegregatedFreeListSpace(name string, m *memmap.Mapping, limit uintptr) MallocSpace {
	return &segregatedFreeListSpace{newFreeListAllocator(name, KindMalloc, m, limit, false)}
}

var _ MallocSpace = (*runLengthSpace)(nil)
var _ MallocSpace = (*segregatedFreeListSpace)(nil)

// asZygote freezes a malloc space as shared, read-mostly zygote
// storage after fork (spec §3 "Lifecycle"). It stops accepting new
// growth beyond its footprint at the moment of freezing by clamping
// the footprint limit to the current cursor.
func asZygote(s *freeListAllocator) {
	s.mu.Lock()
	s.footprintLimit = s.cursor - s.Begin()
	s.kind = KindZygote
	s.mu.Unlock()
}

// FreezeAsZygote exposes asZygote for the heap manager's post-fork
// transition (spec §3 "Lifecycle": "the main malloc space transitions
// to a zygote... space").
func FreezeAsZygote(s MallocSpace) {
	switch v := s.(type) {
	case *runLengthSpace:
		asZygote(v.freeListAllocator)
	case *segregatedFreeListSpace:
		asZygote(v.freeListAllocator)
	}
}
