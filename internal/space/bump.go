package space

import (
	"sync"
	"sync/atomic"

	"github.com/gcheap/gcheap/internal/memmap"
)

// align8 rounds size up to the object alignment of spec §3 (8 bytes).
func align8(size uintptr) uintptr {
	return (size + 7) &^ 7
}

// BumpPointer is a contiguous space allocated by bumping a single
// global cursor, optionally carved into thread-local buffers
// (spec §4.2).
type BumpPointer struct {
	base
	cursor uintptr // atomically advanced; next free address
	end    uintptr // Begin()+limit, cached to avoid recomputing under CAS
}

// NewBumpPointer constructs an empty bump-pointer space over mapping m,
// usable up to limit bytes.
func NewBumpPointer(name string, m *memmap.Mapping, limit uintptr) *BumpPointer {
	s := &BumpPointer{base: newBase(name, KindBumpPointer, m, limit)}
	s.cursor = m.Begin
	s.end = m.Begin + limit
	return s
}

// End returns the address immediately past the highest byte ever
// handed out by this space (not Limit, which is the hard ceiling it
// may still grow to).
func (s *BumpPointer) End() uintptr {
	return uintptr(atomic.LoadUintptr(&s.cursor))
}

// allocRaw bumps the global cursor by align8(size) atomically via CAS,
// the shared primitive both direct allocation and TLAB refill use
// (spec §4.2: "carve sub-ranges from the bump-pointer space via
// compare-and-swap on a single global cursor").
func (s *BumpPointer) allocRaw(size uintptr) (uintptr, bool) {
	size = align8(size)
	for {
		cur := atomic.LoadUintptr(&s.cursor)
		next := cur + size
		if next > s.end {
			return 0, false
		}
		if atomic.CompareAndSwapUintptr(&s.cursor, cur, next) {
			return cur, true
		}
	}
}

// Alloc allocates size bytes directly from the global cursor, bypassing
// any TLAB. Returns the object's address and the real (aligned) bytes
// consumed, or (0, 0, false) if the space is exhausted.
func (s *BumpPointer) Alloc(size uintptr) (addr uintptr, allocated uintptr, ok bool) {
	aligned := align8(size)
	addr, ok = s.allocRaw(size)
	if !ok {
		return 0, 0, false
	}
	s.mu.Lock()
	s.bytesAllocated += uint64(aligned)
	s.mu.Unlock()
	s.live.Set(addr)
	return addr, aligned, true
}

// Reset rewinds the cursor to Begin, used when a semi-space cycle
// clears the evacuated from-space for reuse, or when a zygote fork or a
// move to the non-moving family leaves this space empty (spec §3
// "Lifecycle").
func (s *BumpPointer) Reset() {
	atomic.StoreUintptr(&s.cursor, s.Begin())
	s.mu.Lock()
	s.bytesAllocated = 0
	s.mu.Unlock()
	s.live.ClearAll()
}

// TLAB is a thread-local allocation buffer carved from a BumpPointer
// space (spec §4.2): start/pos/end, bump-allocated without any
// cross-thread synchronization until it needs to refill.
type TLAB struct {
	mu    sync.Mutex
	start uintptr
	pos   uintptr
	end   uintptr
}

// Alloc returns an object of size bytes from the buffer if it fits
// without a refill; otherwise it reports ok=false so the caller can
// Refill and retry.
func (t *TLAB) Alloc(size uintptr) (addr uintptr, ok bool) {
	aligned := align8(size)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos+aligned > t.end {
		return 0, false
	}
	addr = t.pos
	t.pos += aligned
	return addr, true
}

// Refill replaces the buffer's range with a fresh slice carved from
// space via the shared global-cursor CAS, sized bufSize bytes (rounded
// up to the object alignment). It reports false, leaving the buffer
// unchanged, if the space cannot supply that many bytes.
func (t *TLAB) Refill(space *BumpPointer, bufSize uintptr) bool {
	addr, allocated, ok := space.Alloc(bufSize)
	if !ok {
		return false
	}
	t.mu.Lock()
	t.start = addr
	t.pos = addr
	t.end = addr + allocated
	t.mu.Unlock()
	return true
}

// Revoke returns the buffer's unused tail to nothing (the global
// cursor is never rewound; the tail is simply abandoned as internal
// fragmentation) and zeroes the thread-local range, as required before
// a moving collector evacuates objects (spec §4.2: "On GC, thread-local
// buffers are revoked... per-thread range zeroed").
func (t *TLAB) Revoke() (wastedBytes uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasted := t.end - t.pos
	t.start, t.pos, t.end = 0, 0, 0
	return wasted
}

// Remaining reports how many bytes are left in the buffer without
// allocating, for tests and diagnostics.
func (t *TLAB) Remaining() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.end - t.pos
}
