// Package space implements the allocation spaces of spec.md §3/§4.2/§4.3:
// bump-pointer (with TLABs), malloc (two free-list flavors), large-object,
// image, and zygote. Per the §9 "ambiguity to flag" design note, this
// package defines a single sealed Space hierarchy with one variant per
// backing allocator rather than re-deriving the kind at runtime.
package space

import (
	"fmt"
	"sync"

	"github.com/gcheap/gcheap/internal/bitmap"
	"github.com/gcheap/gcheap/internal/memmap"
)

// Kind identifies a space's backing allocator.
type Kind int

const (
	KindBumpPointer Kind = iota
	KindMalloc
	KindLargeObject
	KindImage
	KindZygote
)

func (k Kind) String() string {
	switch k {
	case KindBumpPointer:
		return "bump-pointer"
	case KindMalloc:
		return "malloc"
	case KindLargeObject:
		return "large-object"
	case KindImage:
		return "image"
	case KindZygote:
		return "zygote"
	default:
		return "unknown"
	}
}

// Continuous reports whether this kind is backed by one contiguous
// mapping, as opposed to a per-object mapping (spec §3).
func (k Kind) Continuous() bool { return k != KindLargeObject }

// Space is the common surface every space variant implements. The
// live and mark bitmaps are not part of it: continuous spaces expose
// them through LiveBitmap/MarkBitmap on their shared base, and
// collectors reach them through a capability check. The
// allocator-specific methods (Alloc, etc.)
// live on the concrete types in bump.go, malloc.go, largeobject.go and
// image.go, since spec.md intentionally gives each a distinct surface
// (TLAB carving vs. free lists vs. per-object mappings).
type Space interface {
	Kind() Kind
	Name() string
	Begin() uintptr
	End() uintptr
	Limit() uintptr
	BytesAllocated() uint64
}

// Registry keeps the heap's spaces sorted by Begin (spec §3 invariant:
// "continuous spaces, when listed, are sorted by begin; no two
// continuous spaces overlap"), and answers "which space owns addr".
type Registry struct {
	mu        sync.RWMutex
	spaces    []Space // sorted by Begin for continuous spaces
	discontig []Space // large-object spaces, unordered
}

// NewRegistry returns an empty space registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers a new space, maintaining Begin order for continuous
// spaces. It returns an error instead of panicking if the new space's
// reserved range [Begin, Limit) overlaps that of an existing
// continuous space, since that indicates a
// mapping or bookkeeping bug the heap manager should treat as heap
// corruption (spec §7.2) rather than silently accept.
func (r *Registry) Add(s Space) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.Kind().Continuous() {
		r.discontig = append(r.discontig, s)
		return nil
	}

	idx := 0
	for idx < len(r.spaces) && r.spaces[idx].Begin() < s.Begin() {
		idx++
	}
	if idx > 0 && r.spaces[idx-1].Limit() > s.Begin() {
		return fmt.Errorf("space: %q [%#x,%#x) overlaps %q [%#x,%#x)",
			s.Name(), s.Begin(), s.Limit(), r.spaces[idx-1].Name(), r.spaces[idx-1].Begin(), r.spaces[idx-1].Limit())
	}
	if idx < len(r.spaces) && s.Limit() > r.spaces[idx].Begin() {
		return fmt.Errorf("space: %q [%#x,%#x) overlaps %q [%#x,%#x)",
			s.Name(), s.Begin(), s.Limit(), r.spaces[idx].Name(), r.spaces[idx].Begin(), r.spaces[idx].Limit())
	}

	r.spaces = append(r.spaces, nil)
	copy(r.spaces[idx+1:], r.spaces[idx:])
	r.spaces[idx] = s
	return nil
}

// Remove unregisters a space. Collector transitions do not call it:
// a replaced bump-pointer or malloc space stays registered.
func (r *Registry) Remove(s Space) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sp := range r.spaces {
		if sp == s {
			r.spaces = append(r.spaces[:i], r.spaces[i+1:]...)
			return
		}
	}
	for i, sp := range r.discontig {
		if sp == s {
			r.discontig = append(r.discontig[:i], r.discontig[i+1:]...)
			return
		}
	}
}

// SpaceContaining returns the continuous space whose [Begin, End) holds
// addr, or nil (spec §8 invariant 1: every live object address belongs
// to exactly one space).
func (r *Registry) SpaceContaining(addr uintptr) Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Binary search would do, but the space count is small (single
	// digits) and the list changes only at GC-rate frequency, so a
	// linear scan over a read lock is simpler and plenty fast.
	for _, s := range r.spaces {
		if addr >= s.Begin() && addr < s.End() {
			return s
		}
	}
	return nil
}

// ContinuousSpaces returns the continuous spaces in Begin order. The
// returned slice is a copy; callers must not mutate it.
func (r *Registry) ContinuousSpaces() []Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Space, len(r.spaces))
	copy(out, r.spaces)
	return out
}

// DiscontinuousSpaces returns the large-object spaces.
func (r *Registry) DiscontinuousSpaces() []Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Space, len(r.discontig))
	copy(out, r.discontig)
	return out
}

// base holds the fields every continuous space variant shares: its
// backing mapping and live/mark bitmaps.
type base struct {
	name    string
	kind    Kind
	mapping *memmap.Mapping
	limit   uintptr // begin+limit is the hard ceiling this space may grow to

	mu             sync.Mutex
	bytesAllocated uint64
	live           *bitmap.Bitmap
	mark           *bitmap.Bitmap
}

func newBase(name string, kind Kind, m *memmap.Mapping, limit uintptr) base {
	return base{
		name:    name,
		kind:    kind,
		mapping: m,
		limit:   limit,
		live:    bitmap.New(m.Begin, m.Begin+limit),
		mark:    bitmap.New(m.Begin, m.Begin+limit),
	}
}

func (b *base) Kind() Kind    { return b.kind }
func (b *base) Name() string  { return b.name }
func (b *base) Begin() uintptr { return b.mapping.Begin }
func (b *base) Limit() uintptr { return b.mapping.Begin + b.limit }

func (b *base) BytesAllocated() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesAllocated
}

// LiveBitmap returns the space's live bitmap (spec §3).
func (b *base) LiveBitmap() *bitmap.Bitmap { return b.live }

// MarkBitmap returns the space's mark bitmap (spec §3).
func (b *base) MarkBitmap() *bitmap.Bitmap { return b.mark }

// SwapBitmaps exchanges live and mark in O(1), at the end of a full
// cycle (spec §3, §8 invariant 4).
func (b *base) SwapBitmaps() { bitmap.Swap(b.live, b.mark) }
