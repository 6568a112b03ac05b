// Package collector implements the two collector families of spec.md
// §4.5/§4.6: MarkSweep (full/partial/sticky, concurrent or
// stop-the-world) and SemiSpace (copying, with a generational
// remembered-set variant and a zygote bin-packing variant), plus the
// shared verification passes of §4.9.
package collector

import (
	"fmt"
	"unsafe"

	"github.com/gcheap/gcheap/internal/bitmap"
	"github.com/gcheap/gcheap/internal/gclog"
	"github.com/gcheap/gcheap/internal/gcstats"
	"github.com/gcheap/gcheap/internal/heapobj"
	"github.com/gcheap/gcheap/internal/rootvisit"
	"github.com/gcheap/gcheap/internal/space"
)

// bitmapped is the capability a continuous space exposes for
// mark/sweep bookkeeping. It is a local, narrow interface rather than
// a case over space.Kind, per the sealed-hierarchy design of
// internal/space: any continuous space that carries live/mark bitmaps
// satisfies it regardless of its concrete allocator.
type bitmapped interface {
	LiveBitmap() *bitmap.Bitmap
	MarkBitmap() *bitmap.Bitmap
	SwapBitmaps()
}

// alignObject rounds size up to the 8-byte object alignment of
// spec.md §3, mirroring internal/space's private align8 for the
// collector's own placement math (copying and zygote packing).
func alignObject(size uintptr) uintptr {
	return (size + 7) &^ 7
}

func copyObjectBytes(src, dst, n uintptr) {
	if n == 0 {
		return
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(n))
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(n))
	copy(d, s)
}

// CorruptionError reports a reference from a live object to something
// that is not live anywhere in the heap, found by VerifyHeap
// (spec §4.9).
type CorruptionError struct {
	Referrer uintptr
	Field    uintptr
	Referent uintptr
	Card     byte
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("heap corruption: %#x+%#x -> %#x is not live anywhere (card=%#02x)",
		e.Referrer, e.Field, e.Referent, e.Card)
}

// MissingCardMarkError reports a reference into a recently allocated
// object whose referrer's card was not dirty, found by
// VerifyMissingCardMarks (spec §4.9).
type MissingCardMarkError struct {
	Referrer uintptr
	Field    uintptr
	Referent uintptr
}

func (e *MissingCardMarkError) Error() string {
	return fmt.Sprintf("missing card mark: %#x+%#x -> %#x but referrer's card is not dirty or aged",
		e.Referrer, e.Field, e.Referent)
}

// VerifyMode selects when a verification pass runs relative to a GC
// cycle (spec §4.9); the mode itself does not change what is checked.
type VerifyMode int

const (
	VerifyPreGC VerifyMode = iota
	VerifyPreSweep
	VerifyPostGC
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyPreGC:
		return "pre-gc"
	case VerifyPreSweep:
		return "pre-sweep"
	case VerifyPostGC:
		return "post-gc"
	default:
		return "unknown"
	}
}

// Deps are the collaborators every collector needs: the space
// registry, the class-descriptor callback, the mutator and global root
// sources, and a logger. Both MarkSweep and SemiSpace embed Deps rather
// than repeating the field list, since spec §4.5/§4.6 share this
// context even though their algorithms differ.
type Deps struct {
	Spaces      *space.Registry
	Classes     heapobj.ClassDescriptor
	Mutators    *rootvisit.Registry
	GlobalRoots []rootvisit.GlobalRootSource
	Stats       *gcstats.Record
	Logger      gclog.Logger
}

func (d *Deps) logger() gclog.Logger {
	if d.Logger == nil {
		return gclog.New()
	}
	return d.Logger
}

// visitAllRoots invokes visitor for every mutator root and every
// global root source (spec §4.5, "Root sources").
func (d *Deps) visitAllRoots(visitor rootvisit.RootVisitor) {
	d.Mutators.VisitAllRoots(visitor)
	for _, gr := range d.GlobalRoots {
		gr.VisitRoots(visitor)
	}
}

// isLiveAnywhere reports whether addr is recorded live in some
// space's live bitmap or the large-object live set, used by VerifyHeap
// to classify an outgoing reference's target (spec §4.9).
func (d *Deps) isLiveAnywhere(addr uintptr) bool {
	if sp := d.Spaces.SpaceContaining(addr); sp != nil {
		if bs, ok := sp.(bitmapped); ok {
			return bs.LiveBitmap().Test(addr)
		}
	}
	for _, dsp := range d.Spaces.DiscontinuousSpaces() {
		if lo, ok := dsp.(*space.LargeObject); ok && lo.Contains(addr) {
			return lo.LiveObjectSet().Test(addr)
		}
	}
	return false
}

// cardByteAt returns the diagnostic card byte for addr if the owning
// space has a known card table, or 0 otherwise. cardTables is supplied
// by the caller (MarkSweep keeps one per continuous space) since
// SemiSpace's bump-pointer spaces are not card-tracked at all.
func cardByteAt(cardTables map[string]*cardTableHandle, sp space.Space, addr uintptr) byte {
	if sp == nil {
		return 0
	}
	h, ok := cardTables[sp.Name()]
	if !ok {
		return 0
	}
	return h.table.CardByte(addr)
}

// walkLiveObjects invokes visit(obj) for every object recorded live in
// any space (continuous or large-object), in the order the space
// returns them. Shared by verification and the missing-card-marks
// check.
func (d *Deps) walkLiveObjects(visit func(obj uintptr)) {
	for _, sp := range d.Spaces.ContinuousSpaces() {
		if bs, ok := sp.(bitmapped); ok {
			bs.LiveBitmap().Walk(visit)
		}
	}
	for _, sp := range d.Spaces.DiscontinuousSpaces() {
		if lo, ok := sp.(*space.LargeObject); ok {
			lo.LiveObjectSet().Walk(visit)
		}
	}
}

// verifyReferences is the common body of VerifyHeap: walk every live
// object's outgoing references and flag any whose target is not live
// anywhere (spec §4.9, pre/pre-sweep/post modes).
func (d *Deps) verifyReferences(cardTables map[string]*cardTableHandle) []error {
	var errs []error
	d.walkLiveObjects(func(obj uintptr) {
		classPtr := heapobj.ClassOf(obj)
		d.Classes.VisitReferences(classPtr, obj, func(fieldAddr, referent uintptr) {
			if referent == 0 || d.isLiveAnywhere(referent) {
				return
			}
			sp := d.Spaces.SpaceContaining(obj)
			errs = append(errs, &CorruptionError{
				Referrer: obj,
				Field:    fieldAddr,
				Referent: referent,
				Card:     cardByteAt(cardTables, sp, obj),
			})
		})
	})
	return errs
}
