package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mmmika/construct/internal/event"
)

// SQLite is the embedded single-node alternative to Postgres,
// adapted from the teacher's store.SQLiteStore, selected by
// config.Config.DatabaseURL being empty.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id         TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	sender           TEXT NOT NULL,
	type             TEXT NOT NULL,
	state_key        TEXT,
	origin           TEXT,
	origin_server_ts INTEGER NOT NULL,
	depth            INTEGER NOT NULL,
	prev_events      TEXT NOT NULL,
	auth_events      TEXT NOT NULL,
	redacts          TEXT,
	content          TEXT NOT NULL,
	hashes           TEXT,
	signatures       TEXT,
	raw              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_room_id_idx ON events (room_id);

CREATE TABLE IF NOT EXISTS prev_event_refs (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	prev_id  TEXT NOT NULL,
	PRIMARY KEY (room_id, prev_id, event_id)
);

CREATE TABLE IF NOT EXISTS resolved_state (
	room_id        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	state_key      TEXT NOT NULL,
	state_event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_type, state_key)
);
`

func (s *SQLite) RunMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// sqliteExecer is satisfied by both *sql.DB and *sql.Tx, so the actual
// column writes below can run either standalone (PutEvent/PutState) or
// joined inside a Txn (sqliteTxn), sharing one implementation.
type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqlitePutEventExec(ctx context.Context, ex sqliteExecer, e *event.Event) error {
	raw, err := e.Raw()
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, room_id, sender, type, state_key,
			origin, origin_server_ts, depth, prev_events, auth_events, redacts,
			content, hashes, signatures, raw)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, e.EventID, e.RoomID, e.Sender, e.Type, nullableStateKey(e.StateKey), e.Origin,
		e.OriginServerTS, e.Depth, string(mustJSON(e.PrevEvents)), string(mustJSON(e.AuthEvents)),
		nullableString(e.Redacts), string(e.Content), string(mustJSON(e.Hashes)), string(mustJSON(e.Signatures)), string(raw))
	if err != nil {
		return err
	}

	for _, prevID := range e.PrevEvents {
		_, err := ex.ExecContext(ctx, `
			INSERT OR IGNORE INTO prev_event_refs (room_id, event_id, prev_id) VALUES (?,?,?)
		`, e.RoomID, e.EventID, prevID)
		if err != nil {
			return err
		}
	}
	return nil
}

func sqlitePutStateExec(ctx context.Context, ex sqliteExecer, roomID, eventType, stateKey, stateEventID string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO resolved_state (room_id, event_type, state_key, state_event_id)
		VALUES (?,?,?,?)
		ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET state_event_id = excluded.state_event_id
	`, roomID, eventType, stateKey, stateEventID)
	return err
}

func (s *SQLite) PutEvent(ctx context.Context, e *event.Event) error {
	defer observe("put_event", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := sqlitePutEventExec(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// sqliteTxn joins the event and state writes of one eval commit into a
// single *sql.Tx, satisfying storage.Txn.
type sqliteTxn struct {
	tx *sql.Tx
}

// Begin opens a Txn spanning the event+state write of one commit.
func (s *SQLite) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTxn{tx: tx}, nil
}

func (t *sqliteTxn) PutEvent(ctx context.Context, e *event.Event) error {
	defer observe("put_event", time.Now())
	return sqlitePutEventExec(ctx, t.tx, e)
}

func (t *sqliteTxn) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	defer observe("put_state", time.Now())
	return sqlitePutStateExec(ctx, t.tx, roomID, eventType, stateKey, stateEventID)
}

func (t *sqliteTxn) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqliteTxn) Rollback(ctx context.Context) error { return t.tx.Rollback() }

func (s *SQLite) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	defer observe("get_event", time.Now())
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM events WHERE event_id = ?`, eventID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event.Parse([]byte(raw))
}

func (s *SQLite) HasEvent(ctx context.Context, eventID string) (bool, error) {
	defer observe("has_event", time.Now())
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) RoomServers(ctx context.Context, roomID string) ([]string, error) {
	defer observe("room_servers", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT origin FROM events WHERE room_id = ? AND origin IS NOT NULL AND origin != ''
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

func (s *SQLite) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	defer observe("forward_extremities", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id FROM events e
		WHERE e.room_id = ?
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

func (s *SQLite) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	defer observe("put_state", time.Now())
	return sqlitePutStateExec(ctx, s.db, roomID, eventType, stateKey, stateEventID)
}

func (s *SQLite) GetState(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	defer observe("get_state", time.Now())
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT state_event_id FROM resolved_state WHERE room_id = ? AND event_type = ? AND state_key = ?
	`, roomID, eventType, stateKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (s *SQLite) CountEvents(ctx context.Context, roomID string) (int64, error) {
	defer observe("count_events", time.Now())
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE room_id = ?`, roomID).Scan(&n)
	return n, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStateKey(sk *string) any {
	if sk == nil {
		return nil
	}
	return *sk
}
