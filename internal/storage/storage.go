// Package storage implements the durable event/state columns the
// commit phase of the eval state machine (spec.md §4.2 phase 7)
// writes to, and the room-membership lookups the fetch unit's origin
// selection depends on. It generalizes the teacher's
// internal/store.DataStore interface (agents/rooms columns backed by
// either Postgres or SQLite) from an agent-chat schema to a Matrix
// event-DAG schema, keeping the same dual-backend shape.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/metrics"
)

// observe records how long a storage operation took, shared by both
// backends. Called via defer at the top of every Columnar method that
// issues a query.
func observe(op string, start time.Time) {
	metrics.StorageLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Columnar is the storage interface both backends implement. Naming
// follows the teacher's DataStore: verbs over nouns, one method per
// access pattern rather than a generic query builder.
type Columnar interface {
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error

	// PutEvent durably commits e. Committing an already-present event
	// is a no-op success, since the eval layer may re-commit an event
	// it already evaluated as someone else's prev_event.
	PutEvent(ctx context.Context, e *event.Event) error

	// GetEvent returns nil, nil on a miss (not an error) — callers
	// distinguish "not found" from failure the way the teacher's
	// GetRoom/GetAgentByID return (nil, nil) on pgx.ErrNoRows.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	HasEvent(ctx context.Context, eventID string) (bool, error)

	// RoomServers returns the distinct origins of every event stored
	// for roomID, the candidate list the fetch unit's CandidateOrigin
	// proffers from.
	RoomServers(ctx context.Context, roomID string) ([]string, error)

	// ForwardExtremities returns event ids in roomID that are not
	// named as a prev_event by any other stored event — the DAG's
	// current leaves, which the eval layer extends new events from
	// and state resolution (internal/stateres) treats as the heads to
	// resolve state across.
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)

	// PutState records that stateEventID holds the resolved state for
	// (roomID, eventType, stateKey) as of a given forward-extremity
	// set — the output of phase 6 (state resolve) persisted by phase
	// 7 (commit).
	PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error

	// GetState returns the event id currently resolved for
	// (roomID, eventType, stateKey), or "" on a miss.
	GetState(ctx context.Context, roomID, eventType, stateKey string) (string, error)

	// CountEvents returns the total number of events committed for
	// roomID, surfaced on /stats-equivalent endpoints.
	CountEvents(ctx context.Context, roomID string) (int64, error)

	// Begin opens a Txn joining the event write and the state write
	// phase 7 (commit) issues into a single atomic unit, per spec.md
	// §6's txn/delta(op, column, key, value) abstraction: a failure
	// partway through must never leave a committed event with stale or
	// missing resolved state.
	Begin(ctx context.Context) (Txn, error)
}

// Txn is a single storage transaction spanning the event and state
// writes of one commit. Callers must call Commit or Rollback exactly
// once; a deferred Rollback after a successful Commit is a documented
// no-op (returns an error callers are expected to ignore, matching
// database/sql's and pgx's own "already committed" convention).
type Txn interface {
	PutEvent(ctx context.Context, e *event.Event) error
	PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ErrNotFound is returned by callers that need a distinguishable
// not-found signal distinct from the nil,nil convention above (used
// by internal/api handlers translating to merr.ErrNotFound).
var ErrNotFound = fmt.Errorf("not found")
