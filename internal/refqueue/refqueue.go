// Package refqueue implements the per-reachability-class reference
// queues and cleared-reference list of spec.md §3/§4.7, as singly-linked
// lists with explicit sentinel heads under a per-queue lock. Membership
// is tracked by a per-reference enqueued flag: the last reference of a
// queue has a nil PendingNext while it is enqueued, so PendingNext alone
// does not tell whether a reference is on a queue.
package refqueue

import "sync"

// Reference is the subset of a reference object's fields the GC
// inspects (spec §4.7): the referent it points at, and the
// PendingNext link threading it through whichever queue it is on.
type Reference struct {
	mu          sync.Mutex
	Referent    uintptr
	PendingNext *Reference
	enqueued    bool
}

// NewReference constructs a reference object pointing at referent.
func NewReference(referent uintptr) *Reference {
	return &Reference{Referent: referent}
}

// IsEnqueued reports whether the reference is currently linked into
// some queue.
func (r *Reference) IsEnqueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueued
}

// ClearReferent nulls the referent field, as ClearWhiteReferences does
// to every reference whose target did not survive marking.
func (r *Reference) ClearReferent() {
	r.mu.Lock()
	r.Referent = 0
	r.mu.Unlock()
}

// Queue is a singly-linked list of references threaded through
// PendingNext, headed by a sentinel so the empty/non-empty transition
// never needs a special case (spec §9).
type Queue struct {
	mu   sync.Mutex
	head *Reference // sentinel; head.PendingNext is the real first entry
	tail *Reference
}

// New returns an empty queue.
func New() *Queue {
	sentinel := &Reference{}
	return &Queue{head: sentinel, tail: sentinel}
}

// EnqueueIfNotEnqueued appends ref unless it is already linked into
// some queue. Safe to call outside a stop-the-world pause: the
// enqueued-flag check and the link are performed under the
// reference's own lock, then the queue is appended to under the
// queue's lock (spec §4.7, §9).
func (q *Queue) EnqueueIfNotEnqueued(ref *Reference) bool {
	ref.mu.Lock()
	if ref.enqueued {
		ref.mu.Unlock()
		return false
	}
	ref.enqueued = true
	ref.mu.Unlock()

	q.mu.Lock()
	q.tail.PendingNext = ref
	q.tail = ref
	q.mu.Unlock()
	return true
}

// drainLocked removes and returns every reference currently in the
// queue, resetting it to empty. Caller holds q.mu.
func (q *Queue) drainLocked() []*Reference {
	var out []*Reference
	cur := q.head.PendingNext
	for cur != nil {
		next := cur.PendingNext
		out = append(out, cur)
		cur = next
	}
	q.head.PendingNext = nil
	q.tail = q.head
	return out
}

// Drain removes every queued reference and returns them in enqueue
// order, clearing each one's enqueued flag and PendingNext link so the
// invariant "enqueued ⇔ PendingNext != nil" holds once more (spec
// §4.7 end-of-cycle invariants).
func (q *Queue) Drain() []*Reference {
	q.mu.Lock()
	refs := q.drainLocked()
	q.mu.Unlock()
	for _, r := range refs {
		r.mu.Lock()
		r.enqueued = false
		r.PendingNext = nil
		r.mu.Unlock()
	}
	return refs
}

// Empty reports whether the queue currently holds no references.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head.PendingNext == nil
}

// ClearedList accumulates references whose referent was collected,
// for the language runtime to post-GC-enqueue (spec §3). Each
// reference appears on it at most once (spec §8 invariant 6).
type ClearedList struct {
	mu   sync.Mutex
	refs []*Reference
}

// NewClearedList returns an empty cleared-reference list.
func NewClearedList() *ClearedList { return &ClearedList{} }

// Add appends ref to the list. Callers must clear ref's referent
// before calling Add, and must not call Add twice for the same
// reference within one cycle. Add links ref to itself via
// PendingNext — a self-loop sentinel distinct from both "linked into
// a queue" (points at a successor) and "linked nowhere" (nil) — so
// that "referent == 0 ∧ PendingNext != nil" holds for every reference
// on the cleared list, per spec §8 invariant 6.
func (l *ClearedList) Add(ref *Reference) {
	ref.mu.Lock()
	ref.PendingNext = ref
	ref.mu.Unlock()

	l.mu.Lock()
	l.refs = append(l.refs, ref)
	l.mu.Unlock()
}

// Take returns every accumulated reference and empties the list. The
// embedding runtime calls this once per GC to post-GC-enqueue them.
func (l *ClearedList) Take() []*Reference {
	l.mu.Lock()
	out := l.refs
	l.refs = nil
	l.mu.Unlock()
	return out
}

// Len reports how many references are currently accumulated.
func (l *ClearedList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}

// IsMarkedFunc reports whether an address is currently believed live;
// the collector passes its own bitmap-backed implementation.
type IsMarkedFunc func(addr uintptr) bool

// MarkFunc marks referent and its transitive closure, returning the
// (possibly forwarded) new address of referent.
type MarkFunc func(referent uintptr) uintptr

// ClearWhiteReferences drains q, clearing and moving to cleared any
// reference whose referent is not marked (spec §4.7 steps 2/3/6).
// References whose referent is marked are put back on q only when
// keepSurvivors is true; otherwise they are dropped and q is left
// empty. The collectors pass false for every queue, so each queue is
// empty at the end of reference processing.
func ClearWhiteReferences(q *Queue, isMarked IsMarkedFunc, cleared *ClearedList, keepSurvivors bool) {
	refs := q.Drain()
	for _, r := range refs {
		r.mu.Lock()
		referent := r.Referent
		r.mu.Unlock()

		if referent != 0 && isMarked(referent) {
			if keepSurvivors {
				q.EnqueueIfNotEnqueued(r)
			}
			continue
		}
		r.ClearReferent()
		cleared.Add(r)
	}
}

// PreserveSomeSoftReferences invokes preserve(referent) for every
// still-enqueued soft reference whose referent is not yet marked, then
// requeues every reference so a subsequent ClearWhiteReferences pass
// can finish the job once the preserved referents have been marked
// (spec §4.7 step 1).
func PreserveSomeSoftReferences(q *Queue, isMarked IsMarkedFunc, preserve func(referent uintptr)) {
	refs := q.Drain()
	for _, r := range refs {
		r.mu.Lock()
		referent := r.Referent
		r.mu.Unlock()
		if referent != 0 && !isMarked(referent) {
			preserve(referent)
		}
		q.EnqueueIfNotEnqueued(r)
	}
}

// EnqueueFinalizerReferences moves every finalizer reference whose
// referent is unmarked onto the returned slice (for the language
// runtime to run finalizers on) after marking each referent and its
// transitive closure — the one case where a referent becomes reachable
// again (spec §4.7 step 4).
func EnqueueFinalizerReferences(q *Queue, isMarked IsMarkedFunc, mark MarkFunc) []*Reference {
	refs := q.Drain()
	var finalizable []*Reference
	for _, r := range refs {
		r.mu.Lock()
		referent := r.Referent
		r.mu.Unlock()

		if referent == 0 || isMarked(referent) {
			// Still reachable through some other path; leave it for a
			// later weak/soft pass rather than finalizing it now.
			q.EnqueueIfNotEnqueued(r)
			continue
		}
		mark(referent)
		finalizable = append(finalizable, r)
	}
	return finalizable
}
