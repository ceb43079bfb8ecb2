package sched

import (
	"context"
	"sync"
)

// Dock is a condition variable supporting wait-until-predicate
// semantics, the Go stand-in for ircd::ctx::dock. Unlike sync.Cond it
// takes a context so waits are cancellable, and Notify is safe to call
// without holding any lock associated with the predicate.
type Dock struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewDock() *Dock {
	return &Dock{ch: make(chan struct{})}
}

// Notify wakes all current waiters. Equivalent to dock.notify_all().
func (d *Dock) Notify() {
	d.mu.Lock()
	old := d.ch
	d.ch = make(chan struct{})
	d.mu.Unlock()
	close(old)
}

// Wait blocks until pred() returns true or ctx is done. pred is
// evaluated immediately and after every Notify; callers are
// responsible for their own synchronization around state pred reads,
// matching the discipline spec.md §5 describes for dock predicates.
func (d *Dock) Wait(ctx context.Context, pred func() bool) error {
	for {
		if pred() {
			return nil
		}

		d.mu.Lock()
		waitCh := d.ch
		d.mu.Unlock()

		select {
		case <-waitCh:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
