package eval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmmika/construct/internal/auth"
	"github.com/mmmika/construct/internal/crypto"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/keys"
	"github.com/mmmika/construct/internal/registry"
	"github.com/mmmika/construct/internal/sched"
	"github.com/mmmika/construct/internal/stateres"
	"github.com/mmmika/construct/internal/storage"
)

// memStorage is a minimal in-memory storage.Columnar for exercising
// the eval pipeline without a real database.
type memStorage struct {
	events map[string]*event.Event
	state  map[string]string // roomID\x00type\x00stateKey -> eventID
}

func newMemStorage() *memStorage {
	return &memStorage{events: make(map[string]*event.Event), state: make(map[string]string)}
}

func (m *memStorage) Close()                             {}
func (m *memStorage) Ping(ctx context.Context) error      { return nil }
func (m *memStorage) RunMigrations(ctx context.Context) error { return nil }

func (m *memStorage) PutEvent(ctx context.Context, e *event.Event) error {
	m.events[e.EventID] = e
	return nil
}

func (m *memStorage) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	return m.events[eventID], nil
}

func (m *memStorage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *memStorage) RoomServers(ctx context.Context, roomID string) ([]string, error) {
	return nil, nil
}

func (m *memStorage) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	return nil, nil
}

func (m *memStorage) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	m.state[roomID+"\x00"+eventType+"\x00"+stateKey] = stateEventID
	return nil
}

func (m *memStorage) GetState(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	return m.state[roomID+"\x00"+eventType+"\x00"+stateKey], nil
}

func (m *memStorage) CountEvents(ctx context.Context, roomID string) (int64, error) {
	var n int64
	for range m.events {
		n++
	}
	return n, nil
}

// memTxn applies its writes to m directly on Commit and discards them
// on Rollback, enough to exercise phaseCommit's single-transaction
// event+state write without a real database.
type memTxn struct {
	store    *memStorage
	events   map[string]*event.Event
	state    map[string]string
	rolledBack bool
}

func (m *memStorage) Begin(ctx context.Context) (storage.Txn, error) {
	return &memTxn{store: m, events: make(map[string]*event.Event), state: make(map[string]string)}, nil
}

func (t *memTxn) PutEvent(ctx context.Context, e *event.Event) error {
	t.events[e.EventID] = e
	return nil
}

func (t *memTxn) PutState(ctx context.Context, roomID, eventType, stateKey, stateEventID string) error {
	t.state[roomID+"\x00"+eventType+"\x00"+stateKey] = stateEventID
	return nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	for id, e := range t.events {
		t.store.events[id] = e
	}
	for k, v := range t.state {
		t.store.state[k] = v
	}
	return nil
}

func (t *memTxn) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func signedCreateEvent(t *testing.T, signer *crypto.ServerSigner, roomID string) *event.Event {
	t.Helper()
	e := &event.Event{
		RoomID:         roomID,
		Sender:         "@creator:example.org",
		Type:           "m.room.create",
		Origin:         "example.org",
		OriginServerTS: 1000,
		Depth:          1,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"creator":"@creator:example.org"}`),
		StateKey:       strPtr(""),
	}
	require.NoError(t, signer.Sign(e))
	return e
}

func strPtr(s string) *string { return &s }

func testDeps(t *testing.T, storage *memStorage, keyCache *keys.Cache) Deps {
	t.Helper()
	return Deps{
		Registry: registry.New(),
		Storage:  storage,
		Fetcher:  nil,
		Keys:     keyCache,
		Auth:     auth.NewReference(),
		Resolver: stateres.NewReference(),
	}
}

type seededFetcher struct{ entries []keys.Entry }

func (s *seededFetcher) FetchKeys(ctx context.Context, serverName string, keyIDs []string) ([]keys.Entry, error) {
	return s.entries, nil
}

func TestRunCommitsACleanCreateEvent(t *testing.T) {
	signer, err := crypto.NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)

	storage := newMemStorage()
	keyCache := keys.NewMemory(&seededFetcher{}, 0)
	keyCache.Put(context.Background(), keys.Entry{
		ServerName: "example.org",
		KeyID:      "ed25519:1",
		PublicKey:  signer.PublicKey(),
	})

	deps := testDeps(t, storage, keyCache)
	opts := DefaultOptions()

	create := signedCreateEvent(t, signer, "!room:example.org")
	task := sched.NewTask("test", context.Background())
	ev := New(deps, task, "!room:example.org", create, opts)

	var notified bool
	deps.Notify = func(roomID string, e *event.Event) { notified = true }
	ev.deps.Notify = deps.Notify

	require.NoError(t, ev.Run(context.Background()))
	assert.True(t, notified)

	stored, err := storage.GetEvent(context.Background(), create.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "m.room.create", stored.Type)

	winnerID, err := storage.GetState(context.Background(), "!room:example.org", "m.room.create", "")
	require.NoError(t, err)
	assert.Equal(t, create.EventID, winnerID)
}

func TestRunRejectsBadSignature(t *testing.T) {
	signer, err := crypto.NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)
	otherSigner, err := crypto.NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)

	storage := newMemStorage()
	keyCache := keys.NewMemory(&seededFetcher{}, 0)
	// cache holds the *wrong* key for example.org/ed25519:1.
	keyCache.Put(context.Background(), keys.Entry{
		ServerName: "example.org",
		KeyID:      "ed25519:1",
		PublicKey:  otherSigner.PublicKey(),
	})

	deps := testDeps(t, storage, keyCache)
	create := signedCreateEvent(t, signer, "!room:example.org")
	task := sched.NewTask("test", context.Background())
	ev := New(deps, task, "!room:example.org", create, DefaultOptions())

	err = ev.Run(context.Background())
	assert.Error(t, err)
}

func TestNewBatchSortsByDepthAndTruncates(t *testing.T) {
	deps := testDeps(t, newMemStorage(), nil)
	pdus := []*event.Event{
		{EventID: "$c", Depth: 3},
		{EventID: "$a", Depth: 1},
		{EventID: "$b", Depth: 2},
	}
	opts := DefaultOptions()
	opts.Limit = 2

	task := sched.NewTask("test", context.Background())
	evals := NewBatch(deps, task, "!room:example.org", pdus, opts)

	require.Len(t, evals, 2)
	assert.Equal(t, "$a", evals[0].Event().EventID)
	assert.Equal(t, "$b", evals[1].Event().EventID)
}
