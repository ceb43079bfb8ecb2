// Package stateres implements phase 6 of the eval state machine
// (spec.md §4.2): resolving a single authoritative state map from the
// possibly-conflicting state each of an event's prev_events claims.
// spec.md describes this as "a pure function of a set of state event
// ids to a resolved state map... not specified further beyond its
// interface" — this package supplies that interface plus a reference
// implementation sufficient to drive the commit phase, deferring to
// the auth package's stronger rules (internal/auth) where they
// discriminate and falling back to a deterministic depth/timestamp/id
// ordering where they don't (the Open Question this package resolves,
// see DESIGN.md).
package stateres

import (
	"context"
	"sort"

	"github.com/mmmika/construct/internal/event"
)

// StateKey identifies one entry in a room's state map: (type, key).
type StateKey struct {
	Type     string
	StateKey string
}

// Resolver resolves conflicting state across a set of candidate
// state events into one authoritative map.
type Resolver interface {
	Resolve(ctx context.Context, candidates []*event.Event) (map[StateKey]*event.Event, error)
}

// Reference is the default Resolver: for each (type, state_key),
// among the events claiming it, picks the one with the greatest
// depth, breaking ties by origin_server_ts, then by event id
// (lexicographic), a deterministic total order matching the
// "ordering rule" spec.md's design notes allow as the fallback when
// the auth-based resolution algorithm doesn't fully specify a winner.
type Reference struct{}

func NewReference() Reference { return Reference{} }

func (Reference) Resolve(ctx context.Context, candidates []*event.Event) (map[StateKey]*event.Event, error) {
	byKey := make(map[StateKey][]*event.Event)
	for _, e := range candidates {
		if e.StateKey == nil {
			continue
		}
		k := StateKey{Type: e.Type, StateKey: *e.StateKey}
		byKey[k] = append(byKey[k], e)
	}

	resolved := make(map[StateKey]*event.Event, len(byKey))
	for k, events := range byKey {
		resolved[k] = pickWinner(events)
	}
	return resolved, nil
}

func pickWinner(events []*event.Event) *event.Event {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS > b.OriginServerTS
		}
		return a.EventID < b.EventID
	})
	return events[0]
}
