package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mmmika/construct/internal/event"
)

// ServerSigner holds this process's own signing identity: the key id
// it publishes under and the private key backing it. Used to author
// events injected locally (internal/api/handlers.Inject) the way a
// homeserver signs its own users' messages before handing them to the
// eval pipeline.
type ServerSigner struct {
	ServerName string
	KeyID      string
	private    ed25519.PrivateKey
}

// NewServerSigner derives a signer from a base64-encoded 32-byte
// Ed25519 seed. An empty seed generates a fresh key, suitable for
// development where restarting the process is expected to invalidate
// prior signatures.
func NewServerSigner(serverName, keyID, seedB64 string) (*ServerSigner, error) {
	var priv ed25519.PrivateKey
	if seedB64 == "" {
		_, priv, _ = ed25519.GenerateKey(nil)
	} else {
		seed, err := base64.RawStdEncoding.DecodeString(seedB64)
		if err != nil {
			return nil, fmt.Errorf("decode signing key seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	}
	return &ServerSigner{ServerName: serverName, KeyID: keyID, private: priv}, nil
}

// PublicKey returns the verify key in Matrix's unpadded base64 wire
// format, for publishing at /_matrix/key/v2/server.
func (s *ServerSigner) PublicKey() string {
	pub := s.private.Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(pub)
}

// Sign computes e's content hash, derives its event id (room versions
// 4+), and attaches this server's signature — the local-authorship
// counterpart of the checks eval's phaseVerifyHashes/phaseVerifySignatures
// apply to received events.
func (s *ServerSigner) Sign(e *event.Event) error {
	raw, err := e.Raw()
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	hash, err := event.ContentHash(raw)
	if err != nil {
		return fmt.Errorf("sign: content hash: %w", err)
	}
	e.Hashes = map[string]string{"sha256": hash}

	raw, err = e.Raw()
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	id, err := event.DeriveEventID(raw)
	if err != nil {
		return fmt.Errorf("sign: derive event id: %w", err)
	}
	e.EventID = id

	signable, err := e.SignableBytes()
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	sig := Sign(s.private, signable)

	if e.Signatures == nil {
		e.Signatures = make(map[string]map[string]string)
	}
	if e.Signatures[s.ServerName] == nil {
		e.Signatures[s.ServerName] = make(map[string]string)
	}
	e.Signatures[s.ServerName][s.KeyID] = sig
	return nil
}
