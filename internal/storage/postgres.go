package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mmmika/construct/internal/event"
)

// Postgres handles the columnar event/state store over pgxpool,
// adapted from the teacher's store.PostgresStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres-backed store with a connection
// pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id         TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	sender           TEXT NOT NULL,
	type             TEXT NOT NULL,
	state_key        TEXT,
	origin           TEXT,
	origin_server_ts BIGINT NOT NULL,
	depth            BIGINT NOT NULL,
	prev_events      JSONB NOT NULL,
	auth_events      JSONB NOT NULL,
	redacts          TEXT,
	content          JSONB NOT NULL,
	hashes           JSONB,
	signatures       JSONB,
	raw              JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_room_id_idx ON events (room_id);
CREATE INDEX IF NOT EXISTS events_room_origin_idx ON events (room_id, origin);

CREATE TABLE IF NOT EXISTS prev_event_refs (
	room_id    TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	prev_id    TEXT NOT NULL,
	PRIMARY KEY (room_id, prev_id, event_id)
);
CREATE INDEX IF NOT EXISTS prev_event_refs_prev_idx ON prev_event_refs (room_id, prev_id);

CREATE TABLE IF NOT EXISTS resolved_state (
	room_id        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	state_key      TEXT NOT NULL,
	state_event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_type, state_key)
);
`

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so the
// actual column writes below can run either standalone
// (PutEvent/PutState) or joined inside a Txn (postgresTxn), sharing
// one implementation.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func putEventExec(ctx context.Context, ex pgExecer, e *event.Event) error {
	raw, err := e.Raw()
	if err != nil {
		return err
	}

	stateKey := e.StateKey
	var redacts *string
	if e.Redacts != "" {
		redacts = &e.Redacts
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO events (event_id, room_id, sender, type, state_key, origin,
			origin_server_ts, depth, prev_events, auth_events, redacts, content,
			hashes, signatures, raw)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.RoomID, e.Sender, e.Type, stateKey, e.Origin,
		e.OriginServerTS, e.Depth, mustJSON(e.PrevEvents), mustJSON(e.AuthEvents),
		redacts, e.Content, mustJSON(e.Hashes), mustJSON(e.Signatures), raw)
	if err != nil {
		return err
	}

	for _, prevID := range e.PrevEvents {
		_, err := ex.Exec(ctx, `
			INSERT INTO prev_event_refs (room_id, event_id, prev_id)
			VALUES ($1,$2,$3)
			ON CONFLICT DO NOTHING
		`, e.RoomID, e.EventID, prevID)
		if err != nil {
			return err
		}
	}
	return nil
}

func putStateExec(ctx context.Context, ex pgExecer, roomID, eventType, stateKey, stateEventID string) error {
	_, err := ex.Exec(ctx, `
		INSERT INTO resolved_state (room_id, event_type, state_key, state_event_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (room_id, event_type, state_key)
		DO UPDATE SET state_event_id = EXCLUDED.state_event_id
	`, roomID, eventType, stateKey, stateEventID)
	return err
}

func (s *Postgres) PutEvent(ctx context.Context, e *event.Event) error {
	defer observe("put_event", time.Now())
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := putEventExec(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// postgresTxn joins the event and state writes of one eval commit into
// a single pgx.Tx, satisfying storage.Txn.
type postgresTxn struct {
	tx pgx.Tx
}

// Begin opens a Txn spanning the event+state write of one commit.
func (s *Postgres) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTxn{tx: tx}, nil
}

func (t *postgresTxn) PutEvent(ctx context.Context, e *event.Event) error {
	defer observe("put_event", time.Now())
	return putEventExec(ctx, t.tx, e)
}

func (t *postgresTxn) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	defer observe("put_state", time.Now())
	return putStateExec(ctx, t.tx, roomID, eventType, stateKey, stateEventID)
}

func (t *postgresTxn) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTxn) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (s *Postgres) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	defer observe("get_event", time.Now())
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT raw FROM events WHERE event_id = $1`, eventID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event.Parse(raw)
}

func (s *Postgres) HasEvent(ctx context.Context, eventID string) (bool, error) {
	defer observe("has_event", time.Now())
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (s *Postgres) RoomServers(ctx context.Context, roomID string) ([]string, error) {
	defer observe("room_servers", time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT origin FROM events WHERE room_id = $1 AND origin IS NOT NULL AND origin != ''
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (s *Postgres) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	defer observe("forward_extremities", time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT e.event_id FROM events e
		WHERE e.room_id = $1
		AND NOT EXISTS (
			SELECT 1 FROM prev_event_refs r
			WHERE r.room_id = e.room_id AND r.prev_id = e.event_id
		)
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	defer observe("put_state", time.Now())
	return putStateExec(ctx, s.pool, roomID, eventType, stateKey, stateEventID)
}

func (s *Postgres) GetState(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	defer observe("get_state", time.Now())
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT state_event_id FROM resolved_state
		WHERE room_id = $1 AND event_type = $2 AND state_key = $3
	`, roomID, eventType, stateKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (s *Postgres) CountEvents(ctx context.Context, roomID string) (int64, error) {
	defer observe("count_events", time.Now())
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE room_id = $1`, roomID).Scan(&n)
	return n, err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
