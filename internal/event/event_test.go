package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := CanonicalJSON(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(got))
}

func TestCanonicalJSONNoInsignificantWhitespace(t *testing.T) {
	raw := []byte(`{"a": 1, "b": [1, 2, 3]}`)
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	got, err := CanonicalJSON(v)
	require.NoError(t, err)
	assert.NotContains(t, string(got), " ")
}

func TestOriginOrSenderHost(t *testing.T) {
	e := &Event{Sender: "@alice:example.org"}
	assert.Equal(t, "example.org", e.OriginOrSenderHost())

	e.Origin = "other.example.org"
	assert.Equal(t, "other.example.org", e.OriginOrSenderHost())
}

func TestUserHost(t *testing.T) {
	assert.Equal(t, "example.org", UserHost("@alice:example.org"))
	assert.Equal(t, "", UserHost("no-colon-here"))
}

func TestParseRetainsRawBytes(t *testing.T) {
	raw := []byte(`{"room_id":"!abc:example.org","sender":"@a:example.org","type":"m.room.message","content":{},"prev_events":[],"auth_events":[],"origin_server_ts":1,"depth":1}`)
	e, err := Parse(raw)
	require.NoError(t, err)

	got, err := e.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(got))
}

func TestRawMarshalsWhenConstructedProgrammatically(t *testing.T) {
	e := &Event{
		RoomID:     "!abc:example.org",
		Sender:     "@a:example.org",
		Type:       "m.room.message",
		Content:    json.RawMessage(`{"body":"hi"}`),
		PrevEvents: []string{},
		AuthEvents: []string{},
	}
	raw, err := e.Raw()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"room_id":"!abc:example.org"`)
}

func TestCloneIsIndependentValue(t *testing.T) {
	e := &Event{EventID: "$a", RoomID: "!r:example.org"}
	c := e.Clone()
	c.EventID = "$b"
	assert.Equal(t, "$a", e.EventID)
	assert.Equal(t, "$b", c.EventID)
}
