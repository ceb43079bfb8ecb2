// Package crypto implements the Ed25519 signing and verification the
// eval layer's signature-check phase relies on, generalized from
// per-request HTTP auth to per-event federation signatures: the
// signable bytes are an event's canonical JSON (internal/event) rather
// than a "body|nonce|timestamp" string, and signatures are addressed
// by "server:key_id" the way Matrix's signatures object nests them.
package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignatureExpired = errors.New("signature timestamp expired")
	ErrInvalidNonce     = errors.New("invalid or reused nonce")
)

// ValidatePublicKey checks if a base64-encoded string is a valid Ed25519 public key.
func ValidatePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}

	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}

	return ed25519.PublicKey(decoded), nil
}

// VerifySignature verifies a signed message.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}

	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// Sign returns the base64-encoded Ed25519 signature over signable, the
// value stored at signatures[serverName][keyID] on the wire.
func Sign(priv ed25519.PrivateKey, signable []byte) string {
	sig := ed25519.Sign(priv, signable)
	return base64.RawStdEncoding.EncodeToString(sig)
}

// VerifyDetached verifies a base64 signature (as found in an event's
// signatures map, which uses unpadded standard base64 rather than the
// padded encoding ValidatePublicKey accepts for stored keys) against
// signable bytes.
func VerifyDetached(pubkey ed25519.PublicKey, signable []byte, signatureB64 string) error {
	signature, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		// some origins pad; fall back before failing
		if padded, perr := base64.StdEncoding.DecodeString(signatureB64); perr == nil {
			signature = padded
		} else {
			return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
		}
	}

	if !ed25519.Verify(pubkey, signable, signature) {
		return ErrInvalidSignature
	}

	return nil
}
