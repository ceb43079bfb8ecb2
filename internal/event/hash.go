package event

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// unsignedFields returns a generic map of raw with "signatures",
// "unsigned" and "age" stripped, mirroring the Matrix reference hashing
// rule that content hashes and signatures are computed over the event
// with those keys removed.
func strippedFields(raw json.RawMessage, drop ...string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for _, k := range drop {
		delete(m, k)
	}
	return m, nil
}

// ContentHash computes the sha256 content hash of an event's wire
// bytes with "signatures", "unsigned", "hashes" and "age" removed, and
// returns it unpadded-base64-encoded, the value stored under
// hashes.sha256 (spec.md §3 Event.hashes).
func ContentHash(raw json.RawMessage) (string, error) {
	m, err := strippedFields(raw, "signatures", "unsigned", "hashes", "age")
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	canon, err := CanonicalJSON(m)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	sum := sha256.Sum256(canon)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the reference hash used to derive a room
// version 4+ event id: sha256 over the canonical event with
// "signatures", "unsigned" and "event_id" removed (hashes.sha256
// stays in, unlike ContentHash). event_id is stripped so the
// computation is idempotent whether or not the caller has already
// set it on a previous pass — room versions 4+ never carry the field
// on the wire in the first place.
func ReferenceHash(raw json.RawMessage) ([]byte, error) {
	m, err := strippedFields(raw, "signatures", "unsigned", "event_id")
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	canon, err := CanonicalJSON(m)
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// DeriveEventID computes the "$base64" event id used by room versions
// 4 and later (original_source/matrix/event_conforms.cc's
// conform_check_event_id draws the same version split). Versions <= 3
// carry an explicit event_id field instead and are not synthesized
// here.
func DeriveEventID(raw json.RawMessage) (string, error) {
	sum, err := ReferenceHash(raw)
	if err != nil {
		return "", err
	}
	return "$" + base64.RawURLEncoding.EncodeToString(sum), nil
}

// VerifyContentHash reports whether the event's declared hashes.sha256
// matches the recomputed content hash.
func (e *Event) VerifyContentHash() error {
	raw, err := e.Raw()
	if err != nil {
		return err
	}
	declared, ok := e.Hashes["sha256"]
	if !ok {
		return fmt.Errorf("missing hashes.sha256")
	}
	got, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if got != declared {
		return fmt.Errorf("content hash mismatch: have %s want %s", declared, got)
	}
	return nil
}

// SignableBytes returns the canonical JSON an origin signs/verifies
// over: the event with "signatures", "unsigned" and "age" removed.
func (e *Event) SignableBytes() ([]byte, error) {
	raw, err := e.Raw()
	if err != nil {
		return nil, err
	}
	m, err := strippedFields(raw, "signatures", "unsigned", "age")
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(m)
}
