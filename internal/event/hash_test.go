package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draftRaw(t *testing.T) json.RawMessage {
	t.Helper()
	e := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		Origin:         "example.org",
		OriginServerTS: 1000,
		Depth:          1,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"body":"hello"}`),
	}
	raw, err := e.Raw()
	require.NoError(t, err)
	return raw
}

func TestContentHashDeterministic(t *testing.T) {
	raw := draftRaw(t)
	h1, err := ContentHash(raw)
	require.NoError(t, err)
	h2, err := ContentHash(raw)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestContentHashIgnoresSignaturesAndHashes(t *testing.T) {
	raw := draftRaw(t)
	base, err := ContentHash(raw)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["signatures"] = map[string]any{"example.org": map[string]any{"ed25519:1": "sig"}}
	m["hashes"] = map[string]any{"sha256": "whatever"}
	withExtras, err := json.Marshal(m)
	require.NoError(t, err)

	got, err := ContentHash(withExtras)
	require.NoError(t, err)
	assert.Equal(t, base, got, "content hash must not depend on signatures/hashes")
}

func TestReferenceHashChangesWithHashesField(t *testing.T) {
	raw := draftRaw(t)
	ref1, err := ReferenceHash(raw)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["hashes"] = map[string]any{"sha256": "abc"}
	withHashes, err := json.Marshal(m)
	require.NoError(t, err)

	ref2, err := ReferenceHash(withHashes)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2, "reference hash must reflect the hashes field, unlike content hash")
}

func TestDeriveEventIDIsStableAndPrefixed(t *testing.T) {
	raw := draftRaw(t)
	id1, err := DeriveEventID(raw)
	require.NoError(t, err)
	id2, err := DeriveEventID(raw)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > 1 && id1[0] == '$')
}

func TestDeriveEventIDIdempotentOnceEventIDIsSet(t *testing.T) {
	raw := draftRaw(t)
	id, err := DeriveEventID(raw)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["event_id"] = id
	withID, err := json.Marshal(m)
	require.NoError(t, err)

	id2, err := DeriveEventID(withID)
	require.NoError(t, err)
	assert.Equal(t, id, id2, "deriving the id again after it has been set must reproduce the same id")
}

func TestVerifyContentHashRoundTrip(t *testing.T) {
	e := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1000,
		Depth:          1,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"body":"hello"}`),
	}
	raw, err := e.Raw()
	require.NoError(t, err)
	sum, err := ContentHash(raw)
	require.NoError(t, err)
	e.Hashes = map[string]string{"sha256": sum}
	e.raw = nil // force re-marshal reflecting the new Hashes field

	assert.NoError(t, e.VerifyContentHash())
}

func TestVerifyContentHashRejectsTamperedContent(t *testing.T) {
	e := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1000,
		Depth:          1,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"body":"hello"}`),
	}
	raw, err := e.Raw()
	require.NoError(t, err)
	sum, err := ContentHash(raw)
	require.NoError(t, err)
	e.Hashes = map[string]string{"sha256": sum}
	e.raw = nil

	e.Content = json.RawMessage(`{"body":"tampered"}`)
	e.raw = nil

	assert.Error(t, e.VerifyContentHash())
}

func TestSignableBytesExcludesSignaturesAndAge(t *testing.T) {
	e := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1000,
		Depth:          1,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Content:        json.RawMessage(`{"body":"hello"}`),
		Signatures:     map[string]map[string]string{"example.org": {"ed25519:1": "sig"}},
	}
	b, err := e.SignableBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "signatures")
}
