package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmmika/construct/internal/event"
)

func TestNewServerSignerGeneratesEphemeralKeyWhenSeedEmpty(t *testing.T) {
	s, err := NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.PublicKey())
}

func TestNewServerSignerDeterministicFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seedB64 := base64.RawStdEncoding.EncodeToString(seed)

	s1, err := NewServerSigner("example.org", "ed25519:1", seedB64)
	require.NoError(t, err)
	s2, err := NewServerSigner("example.org", "ed25519:1", seedB64)
	require.NoError(t, err)

	assert.Equal(t, s1.PublicKey(), s2.PublicKey())
}

func TestNewServerSignerRejectsWrongSeedLength(t *testing.T) {
	_, err := NewServerSigner("example.org", "ed25519:1", base64.RawStdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestSignDerivesHashIDAndSignature(t *testing.T) {
	s, err := NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)

	e := &event.Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		Origin:         "example.org",
		OriginServerTS: 1000,
		Depth:          5,
		PrevEvents:     []string{"$prev"},
		AuthEvents:     []string{"$auth"},
		Content:        json.RawMessage(`{"body":"hi"}`),
	}

	require.NoError(t, s.Sign(e))

	assert.NotEmpty(t, e.Hashes["sha256"])
	assert.True(t, len(e.EventID) > 1 && e.EventID[0] == '$')
	require.Contains(t, e.Signatures, "example.org")
	assert.NotEmpty(t, e.Signatures["example.org"]["ed25519:1"])

	assert.NoError(t, e.VerifyContentHash())
}

func TestSignedEventVerifiesAgainstPublicKey(t *testing.T) {
	s, err := NewServerSigner("example.org", "ed25519:1", "")
	require.NoError(t, err)

	e := &event.Event{
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		Origin:         "example.org",
		OriginServerTS: 1000,
		Depth:          5,
		PrevEvents:     []string{"$prev"},
		AuthEvents:     []string{"$auth"},
		Content:        json.RawMessage(`{"body":"hi"}`),
	}
	require.NoError(t, s.Sign(e))

	pub, err := ValidatePublicKey(base64ToStd(t, s.PublicKey()))
	require.NoError(t, err)

	signable, err := e.SignableBytes()
	require.NoError(t, err)

	sig := e.Signatures["example.org"]["ed25519:1"]
	assert.NoError(t, VerifyDetached(pub, signable, sig))
	_ = pub
}

// base64ToStd re-encodes an unpadded base64 string (Matrix's wire
// format) to padded standard base64 (ValidatePublicKey's format), for
// tests reusing PublicKey() output.
func base64ToStd(t *testing.T, unpadded string) string {
	t.Helper()
	raw, err := base64.RawStdEncoding.DecodeString(unpadded)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
