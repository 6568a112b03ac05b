package space

import "github.com/gcheap/gcheap/internal/memmap"

// Image is the read-only, pre-baked space loaded at a fixed base
// address (spec §3, §6 "Image format"). The GC treats it as immutable:
// no sweep, no bitmap update. Its live bitmap is populated once at
// load and never mutated again.
type Image struct {
	base
}

// NewImage constructs an image space from an already-populated
// mapping. liveBytes is the number of bytes occupied by objects baked
// into the image; the caller is expected to have already marked every
// object's address in the returned space's LiveBitmap before handing
// it to the heap manager.
func NewImage(name string, m *memmap.Mapping, liveBytes uint64) *Image {
	s := &Image{base: newBase(name, KindImage, m, m.Size)}
	s.bytesAllocated = liveBytes
	return s
}

// End returns Limit: an image space's occupied range is exactly its
// mapping, since nothing is ever allocated into it after load.
func (s *Image) End() uintptr { return s.Limit() }

// Protect re-applies read-only protection, used after any maintenance
// window that needed write access (none in normal operation; exposed
// for completeness and for tests).
func (s *Image) Protect() error {
	return s.mapping.Protect(memmap.ProtRead)
}
