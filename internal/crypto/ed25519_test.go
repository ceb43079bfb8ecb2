package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePublicKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	b64 := base64.StdEncoding.EncodeToString(pub)
	got, err := ValidatePublicKey(b64)
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

func TestValidatePublicKeyRejectsWrongLength(t *testing.T) {
	_, err := ValidatePublicKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestValidatePublicKeyRejectsBadBase64(t *testing.T) {
	_, err := ValidatePublicKey("not-valid-base64!!")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestSignAndVerifyDetached(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("canonical event bytes")
	sig := Sign(priv, msg)

	assert.NoError(t, VerifyDetached(pub, msg, sig))
}

func TestVerifyDetachedRejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sig := Sign(priv, []byte("original"))
	assert.Error(t, VerifyDetached(pub, []byte("tampered"), sig))
}

func TestVerifyDetachedAcceptsPaddedBase64(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("hello")
	raw := ed25519.Sign(priv, msg)
	padded := base64.StdEncoding.EncodeToString(raw)

	assert.NoError(t, VerifyDetached(pub, msg, padded))
}

func TestVerifySignatureRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	err = VerifySignature(pub, []byte("msg"), base64.StdEncoding.EncodeToString([]byte("not a real signature bytes!!")))
	assert.Error(t, err)
}
