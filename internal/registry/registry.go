// Package registry implements the sequence registry named in spec.md
// §4.1: process-wide bookkeeping of in-flight Evals. It is the Go
// counterpart of ircd::m::vm::eval's static free functions (seqmin,
// seqmax, seqnext, sequnique, find, count, find_parent, find_root) in
// original_source/matrix/vm_eval.cc, generalized from a package-level
// free-function API bound to a single-threaded fiber scheduler into a
// *Registry value guarded by a mutex — Go has no single-threaded
// cooperative scheduling to rely on for the original's
// lock-free-within-a-turn discipline (see DESIGN.md's REDESIGN FLAG
// entry for this package).
//
// spec.md §3 names two distinct counters that this package keeps
// separate: id (id_ctr), a monotonic id stamped on every Eval the
// instant it's constructed and used for find_parent/find_root nesting,
// and sequence, which stays 0 until an Eval reaches phase 7 (commit)
// and only then is allocated as the registry's running commit-order
// counter. An Eval that fails phases 1-6 and never commits keeps
// sequence 0 forever.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/mmmika/construct/internal/metrics"
)

// Entry is anything the registry can track: an in-flight Eval. It is
// defined as a minimal interface here (rather than depending on
// package eval, which itself depends on registry) to avoid an import
// cycle — eval.Eval implements it.
type Entry interface {
	// ID returns the id assigned at construction (registry.NextID),
	// used for find_parent/find_root nesting order. Never 0 once
	// registered.
	ID() uint64
	// Sequence returns the commit sequence number, or 0 if this entry
	// has not yet reached phase 7.
	Sequence() uint64
	// EventID returns the event id this entry is evaluating, or ""
	// before that identity is known (e.g. injection prior to hashing).
	EventID() string
	// RoomID returns the room this entry's event belongs to.
	RoomID() string
	// TaskName identifies the cooperative task (goroutine) this entry
	// runs on, for find_parent/find_root/count(task) grouping.
	TaskName() string
}

// Registry tracks every currently-registered Entry and hands out
// construction ids and commit sequence numbers.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	nextID  atomic.Uint64
	nextSeq atomic.Uint64
}

// New returns an empty registry. Both ids and sequence numbers start
// at 1, so 0 can mean "unassigned" the way the original's
// eval::sequence does for a not-yet-committed Eval.
func New() *Registry {
	return &Registry{}
}

// NextID allocates the next construction id. Callers assign the
// result to their Entry before calling Register, so Entry.ID() is
// stable the instant the entry becomes visible to other goroutines
// via the registry.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// AllocateSequence hands out the next commit sequence number — the
// counterpart of eval::sequence being assigned at phase 7, not at
// construction. Backed by its own atomic counter rather than a
// read-then-write over Seqmax so two Evals committing concurrently can
// never be handed the same number.
func (r *Registry) AllocateSequence() uint64 {
	return r.nextSeq.Add(1)
}

// Register adds e to the registry. Callers must not register the same
// Entry twice, and must have already assigned e's id (via NextID)
// before calling this.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	n := len(r.entries)
	r.mu.Unlock()
	metrics.EvalsStarted.Inc()
	metrics.RegistryInFlight.Set(float64(n))
}

// Deregister removes e. It is a no-op if e was never registered.
func (r *Registry) Deregister(e Entry) {
	r.mu.Lock()
	n := len(r.entries)
	for i, other := range r.entries {
		if other == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			n = len(r.entries)
			break
		}
	}
	r.mu.Unlock()
	metrics.RegistryInFlight.Set(float64(n))
}

// Len returns the number of currently registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Seqmin returns the lowest commit sequence number currently held by a
// registered entry, or 0 if no registered entry has committed yet.
// Entries that haven't reached phase 7 (sequence 0) are excluded, so a
// batch of in-flight, not-yet-committed Evals never masquerades as a
// committed one.
func (r *Registry) Seqmin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min uint64
	for _, e := range r.entries {
		seq := e.Sequence()
		if seq == 0 {
			continue
		}
		if min == 0 || seq < min {
			min = seq
		}
	}
	return min
}

// Seqmax returns the highest commit sequence number currently held by
// a registered entry, or 0 if none have committed yet.
func (r *Registry) Seqmax() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, e := range r.entries {
		if seq := e.Sequence(); seq > max {
			max = seq
		}
	}
	return max
}

// Seqnext returns the sequence number that AllocateSequence will hand
// out next, without consuming it.
func (r *Registry) Seqnext() uint64 {
	return r.nextSeq.Load() + 1
}

// Sequnique reports whether seq is held by exactly one registered
// entry — used by tests asserting the registry never double-assigns
// (spec.md §8's sequence-uniqueness property). seq must be nonzero:
// every not-yet-committed entry holds 0, so Sequnique(0) is never
// meaningful.
func (r *Registry) Sequnique(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq == 0 {
		return false
	}
	count := 0
	for _, e := range r.entries {
		if e.Sequence() == seq {
			count++
		}
	}
	return count == 1
}

// Find returns the registered entry with the given event id, and
// whether one was found. This is the "resolved event id" identity
// form of the original's eval::find; the injection/iov and bare-id
// shortcut forms are the caller's (eval package's) responsibility
// since they require knowledge of in-progress construction state this
// package doesn't hold.
func (r *Registry) Find(eventID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.EventID() == eventID {
			return e, true
		}
	}
	return nil, false
}

// Count returns the number of entries currently registered for
// roomID, or for the given task name when nonEmpty.
func (r *Registry) Count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.RoomID() == roomID {
			n++
		}
	}
	return n
}

// CountTask returns the number of entries currently running on the
// named cooperative task.
func (r *Registry) CountTask(taskName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.TaskName() == taskName {
			n++
		}
	}
	return n
}

// FindParent returns the entry with the highest construction id below
// self's, among entries sharing self's task name — the Go counterpart
// of vm_eval.cc's find_parent, which walks the same fiber's other
// Evals looking for the immediately enclosing one. Evals nest when
// phase 4 (fetch prev_events) recursively evaluates a dependency
// before its dependent, which happens well before either has reached
// phase 7, so this must key off construction id (ID), not commit
// sequence — a nested child's Sequence() is 0 for the entire time its
// parent needs to find it.
func (r *Registry) FindParent(self Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best Entry
	for _, e := range r.entries {
		if e == self || e.TaskName() != self.TaskName() {
			continue
		}
		if e.ID() >= self.ID() {
			continue
		}
		if best == nil || e.ID() > best.ID() {
			best = e
		}
	}
	return best, best != nil
}

// FindRoot walks FindParent repeatedly to return the outermost entry
// in self's task — the top-level Eval a chain of recursive
// prev_events fetches descends from.
func (r *Registry) FindRoot(self Entry) (Entry, bool) {
	cur := self
	found := false
	for {
		parent, ok := r.FindParent(cur)
		if !ok {
			break
		}
		cur = parent
		found = true
	}
	return cur, found
}
