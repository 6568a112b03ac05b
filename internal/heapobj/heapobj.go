// Package heapobj defines the class-descriptor callback interface of
// spec.md §6: the GC treats objects opaquely, asking the embedding
// runtime for size, outgoing references, and reference-kind through
// this interface.
package heapobj

import (
	"sync/atomic"
	"unsafe"

	"github.com/gcheap/gcheap/internal/cardtable"
)

// ReferenceKind classifies a reference object by reachability strength
// (spec §3, §4.7). Strong references are not modeled; ordinary objects
// report ReferenceKindNone.
type ReferenceKind int

const (
	ReferenceKindNone ReferenceKind = iota
	ReferenceKindSoft
	ReferenceKindWeak
	ReferenceKindFinalizer
	ReferenceKindPhantom
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceKindSoft:
		return "soft"
	case ReferenceKindWeak:
		return "weak"
	case ReferenceKindFinalizer:
		return "finalizer"
	case ReferenceKindPhantom:
		return "phantom"
	default:
		return "none"
	}
}

// ClassDescriptor is the GC-safe callback an embedding runtime supplies
// for every class pointer it hands the GC (spec §6). Implementations
// must not allocate and must not release the mutator lock: the GC may
// call these from inside a stop-the-world pause.
type ClassDescriptor interface {
	// ObjectSize returns the number of bytes occupied by an instance
	// of the class at classPtr.
	ObjectSize(classPtr uintptr) uintptr

	// VisitReferences invokes callback(fieldAddr, referent) for every
	// reference-typed field of obj (whose class is classPtr), in
	// field-declaration order. referent is the current value of the
	// field; fieldAddr is the field's own address, needed so a moving
	// collector can write back a forwarded address.
	VisitReferences(classPtr, obj uintptr, callback func(fieldAddr, referent uintptr))

	// IsReferenceClass reports whether instances of classPtr are
	// reference objects (soft/weak/finalizer/phantom) the GC must run
	// through the reference-processing pipeline of spec §4.7.
	IsReferenceClass(classPtr uintptr) ReferenceKind
}

// ClassOf reads the class pointer at an object's fixed offset 0
// (spec §3, "Object"). The first word of a live object is never null.
func ClassOf(obj uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(obj))
}

// SetClassOf overwrites the class-pointer word. A moving collector
// reuses this same slot to store a forwarding pointer during a cycle
// (spec §4.6); consumers must not assume the word is a class pointer
// while a moving GC is in progress.
func SetClassOf(obj, classPtr uintptr) {
	*(*uintptr)(unsafe.Pointer(obj)) = classPtr
}

// ReadRef atomically loads a reference field. The mark stack and live
// stack are single-producer-multi-consumer from the GC-worker
// perspective (spec §5); readers that race with a concurrent mutator
// store must see a consistent pointer value, not a torn one.
func ReadRef(fieldAddr uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(fieldAddr)))
}

// WriteRef stores ref into the reference field at fieldAddr and then
// dirties the card covering objAddr, the object the field belongs to.
// This is the write barrier of spec §4.4/§6/§9: a single indexed byte
// store with no branch, ordered after the reference store itself.
// Codegen emits the inline equivalent of this function. gcheap's own
// tests and demo harness do not call it: they store fields directly,
// without dirtying a card.
func WriteRef(cards *cardtable.Table, objAddr, fieldAddr, ref uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(fieldAddr)), ref)
	cards.Dirty(objAddr)
}
