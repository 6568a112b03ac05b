// Package rootvisit defines the thread root-visitor protocol of
// spec.md §6 and tracks the set of live mutator handles a collector
// must fan a checkpoint out to, grounded on the teacher's
// gc_stack_portable.go conservative stack-chain pattern.
package rootvisit

import "sync"

// RootVisitor is invoked once per discovered root. It may replace the
// root pointer in place (via Update), which is how a moving collector
// shares the same root-scanning interface with a non-moving one
// (spec §4.5, "a callback that may replace each root pointer").
type RootVisitor func(root uintptr, update func(newRoot uintptr))

// Mutator is the per-thread root source an embedding runtime
// registers: stack-frame references via stack maps, indirect
// reference tables (local/global/weak-global handles), and pinned
// references (spec §6).
type Mutator interface {
	// VisitRoots invokes visitor for every root this mutator currently
	// holds. Implementations must be safe to call from the GC thread
	// while this mutator is suspended or has agreed to run a
	// checkpoint closure.
	VisitRoots(visitor RootVisitor)

	// Checkpoint asks the mutator to run fn at its next safepoint and
	// block until fn returns, without joining a full stop-the-world
	// pause (spec §5.5: "per-thread checkpoints to scan stacks
	// without a global pause").
	Checkpoint(fn func())

	// Suspend blocks the mutator at its next safepoint until Resume is
	// called, for stop-the-world phases (spec §5).
	Suspend()

	// Resume releases a mutator previously Suspended.
	Resume()
}

// Registry tracks every mutator currently registered with the heap, so
// the collector can fan work out to all of them without the embedding
// runtime re-supplying the set on every GC (spec §9's "disambiguation"
// note extended to thread bookkeeping; grounded on the teacher's
// stackChainStart linked list of active stack frames).
type Registry struct {
	mu       sync.RWMutex
	mutators map[Mutator]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mutators: make(map[Mutator]struct{})}
}

// Register adds a mutator, called when the embedding runtime attaches
// a new thread to the heap.
func (r *Registry) Register(m Mutator) {
	r.mu.Lock()
	r.mutators[m] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a mutator, called on thread detach.
func (r *Registry) Unregister(m Mutator) {
	r.mu.Lock()
	delete(r.mutators, m)
	r.mu.Unlock()
}

// snapshot returns the currently registered mutators. Taking a
// snapshot under the read lock, then operating on mutators outside the
// lock, avoids holding the registry lock across a blocking suspend or
// checkpoint call.
func (r *Registry) snapshot() []Mutator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mutator, 0, len(r.mutators))
	for m := range r.mutators {
		out = append(out, m)
	}
	return out
}

// SuspendAll suspends every registered mutator and returns a resume
// function; callers should defer the returned function to guarantee
// mutators resume even if the stop-the-world phase panics.
func (r *Registry) SuspendAll() (resume func()) {
	mutators := r.snapshot()
	for _, m := range mutators {
		m.Suspend()
	}
	return func() {
		for _, m := range mutators {
			m.Resume()
		}
	}
}

// CheckpointAll asks every registered mutator to run fn at its next
// safepoint, blocking until all have done so (spec §5.5). Mutators run
// fn concurrently with each other and with this call's caller, letting
// a concurrent collector scan stacks without a global pause.
func (r *Registry) CheckpointAll(fn func(m Mutator)) {
	mutators := r.snapshot()
	done := make(chan struct{}, len(mutators))
	for _, m := range mutators {
		m := m
		m.Checkpoint(func() {
			fn(m)
			done <- struct{}{}
		})
	}
	for range mutators {
		<-done
	}
}

// VisitAllRoots invokes visitor for every root of every registered
// mutator, in registration-order-independent fashion (the visitor
// itself, not this function, is responsible for any ordering a
// particular collector needs).
func (r *Registry) VisitAllRoots(visitor RootVisitor) {
	for _, m := range r.snapshot() {
		m.VisitRoots(visitor)
	}
}

// Len reports how many mutators are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mutators)
}

// GlobalRootSource is a non-mutator root source: the interned-string
// table, the class-loader table, or a mod-union table's recorded
// references (spec §4.5, "Root sources"). It shares RootVisitor's
// replace-in-place shape so moving and non-moving collectors use the
// same call site.
type GlobalRootSource interface {
	VisitRoots(visitor RootVisitor)
}
