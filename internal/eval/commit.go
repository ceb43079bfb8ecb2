package eval

import (
	"context"
	"fmt"

	"github.com/mmmika/construct/internal/auth"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/merr"
	"github.com/mmmika/construct/internal/stateres"
)

// phaseAuthCheck is phase 5: the event is checked against the state
// named by its own auth_events (which phase 4 has guaranteed are
// already committed).
func (e *Eval) phaseAuthCheck(ctx context.Context) error {
	if e.deps.Auth == nil || e.deps.Storage == nil {
		return nil
	}

	state := make(auth.State, len(e.ev.AuthEvents))
	for _, authID := range e.ev.AuthEvents {
		authEvent, err := e.deps.Storage.GetEvent(ctx, authID)
		if err != nil {
			return fmt.Errorf("eval %s: load auth_event %s: %w", e.ev.EventID, authID, merr.ErrStorage)
		}
		if authEvent == nil {
			return fmt.Errorf("eval %s: auth_event %s not found: %w", e.ev.EventID, authID, merr.ErrNotFound)
		}
		if authEvent.StateKey != nil {
			state[authEvent.Type+"\x00"+*authEvent.StateKey] = authEvent
		}
	}

	if err := e.deps.Auth.Check(e.ev, state); err != nil {
		return fmt.Errorf("eval %s: %w", e.ev.EventID, err)
	}
	return nil
}

// phaseStateResolve is phase 6: if this event is itself a state
// event, decide whether it supersedes whatever is currently resolved
// for its (type, state_key) — a two-candidate call into
// internal/stateres's ordering rule rather than a full room-wide
// resolution, since only one new state event is being committed at a
// time.
func (e *Eval) phaseStateResolve(ctx context.Context) error {
	if e.ev.StateKey == nil || e.deps.Storage == nil {
		return nil
	}

	resolver := e.deps.Resolver
	if resolver == nil {
		resolver = stateres.NewReference()
	}

	candidates := []*event.Event{e.ev}
	existingID, err := e.deps.Storage.GetState(ctx, e.roomID, e.ev.Type, *e.ev.StateKey)
	if err != nil {
		return fmt.Errorf("eval %s: load existing state: %w", e.ev.EventID, merr.ErrStorage)
	}
	if existingID != "" {
		existing, err := e.deps.Storage.GetEvent(ctx, existingID)
		if err != nil {
			return fmt.Errorf("eval %s: load existing state event: %w", e.ev.EventID, merr.ErrStorage)
		}
		if existing != nil {
			candidates = append(candidates, existing)
		}
	}

	resolved, err := resolver.Resolve(ctx, candidates)
	if err != nil {
		return fmt.Errorf("eval %s: resolve state: %w", e.ev.EventID, err)
	}
	winner := resolved[stateres.StateKey{Type: e.ev.Type, StateKey: *e.ev.StateKey}]
	e.stateWinner = winner
	return nil
}

// phaseCommit is phase 7: durably store the event and, if it won
// phase 6's resolution, update the resolved-state column. This is also
// where the Eval's commit sequence number is allocated (registry §3:
// sequence stays 0 for every Eval that never reaches this phase) and
// where the event+state write is issued as a single storage
// transaction, so a failure partway through never leaves a committed
// event with stale or missing resolved state.
func (e *Eval) phaseCommit(ctx context.Context) error {
	if e.deps.Storage == nil {
		return nil
	}
	e.seq = e.deps.Registry.AllocateSequence()

	txn, err := e.deps.Storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eval %s: begin commit txn: %w", e.ev.EventID, merr.ErrStorage)
	}
	defer txn.Rollback(ctx)

	if err := txn.PutEvent(ctx, e.ev); err != nil {
		return fmt.Errorf("eval %s: commit: %w", e.ev.EventID, merr.ErrStorage)
	}

	if e.ev.StateKey != nil && e.stateWinner != nil {
		if err := txn.PutState(ctx, e.roomID, e.ev.Type, *e.ev.StateKey, e.stateWinner.EventID); err != nil {
			return fmt.Errorf("eval %s: commit state: %w", e.ev.EventID, merr.ErrStorage)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("eval %s: commit txn: %w", e.ev.EventID, merr.ErrStorage)
	}
	return nil
}

// phaseNotify is phase 8: announce the commit via deps.Notify, if the
// caller (internal/api, cmd/evald) registered one — vm_eval.cc's
// equivalent is the vm::accept hook chain; Deps exposes a single
// callback slot rather than a chain since nothing in this repo needs
// more than one subscriber.
func (e *Eval) phaseNotify(ctx context.Context) {
	if e.deps.Notify != nil {
		e.deps.Notify(e.roomID, e.ev)
	}
}
