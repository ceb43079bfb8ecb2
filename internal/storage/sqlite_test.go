package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmmika/construct/internal/event"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.RunMigrations(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func sampleEvent(eventID, roomID, origin string, depth int64, prevEvents []string) *event.Event {
	return &event.Event{
		EventID:        eventID,
		RoomID:         roomID,
		Sender:         "@alice:" + origin,
		Type:           "m.room.message",
		Origin:         origin,
		OriginServerTS: 1000,
		Depth:          depth,
		PrevEvents:     prevEvents,
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"body":"hi"}`),
	}
}

func TestSQLitePutAndGetEventRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	e := sampleEvent("$a", "!room:example.org", "example.org", 1, []string{})
	require.NoError(t, s.PutEvent(ctx, e))

	got, err := s.GetEvent(ctx, "$a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "!room:example.org", got.RoomID)
	assert.Equal(t, e.Sender, got.Sender)

	has, err := s.HasEvent(ctx, "$a")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteGetEventMissReturnsNilNotError(t *testing.T) {
	s := newTestSQLite(t)
	got, err := s.GetEvent(context.Background(), "$missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLitePutEventIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	e := sampleEvent("$a", "!room:example.org", "example.org", 1, []string{})
	require.NoError(t, s.PutEvent(ctx, e))
	require.NoError(t, s.PutEvent(ctx, e))

	n, err := s.CountEvents(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteRoomServersReturnsDistinctOrigins(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.PutEvent(ctx, sampleEvent("$a", "!room:example.org", "a.example.org", 1, []string{})))
	require.NoError(t, s.PutEvent(ctx, sampleEvent("$b", "!room:example.org", "b.example.org", 2, []string{"$a"})))
	require.NoError(t, s.PutEvent(ctx, sampleEvent("$c", "!room:example.org", "a.example.org", 3, []string{"$b"})))

	servers, err := s.RoomServers(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example.org", "b.example.org"}, servers)
}

func TestSQLiteForwardExtremitiesExcludesReferencedEvents(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.PutEvent(ctx, sampleEvent("$a", "!room:example.org", "example.org", 1, []string{})))
	require.NoError(t, s.PutEvent(ctx, sampleEvent("$b", "!room:example.org", "example.org", 2, []string{"$a"})))

	extremities, err := s.ForwardExtremities(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$b"}, extremities)
}

func TestSQLitePutStateUpsertsWinner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.PutState(ctx, "!room:example.org", "m.room.create", "", "$a"))
	got, err := s.GetState(ctx, "!room:example.org", "m.room.create", "")
	require.NoError(t, err)
	assert.Equal(t, "$a", got)

	require.NoError(t, s.PutState(ctx, "!room:example.org", "m.room.create", "", "$b"))
	got, err = s.GetState(ctx, "!room:example.org", "m.room.create", "")
	require.NoError(t, err)
	assert.Equal(t, "$b", got)
}

func TestSQLiteGetStateMissReturnsEmptyString(t *testing.T) {
	s := newTestSQLite(t)
	got, err := s.GetState(context.Background(), "!room:example.org", "m.room.create", "")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
