// Package event defines the Matrix PDU data model (spec.md §3) and the
// canonical-JSON, hashing and event-id derivation it depends on for
// signature verification. The JSON parser and canonical serializer are
// named in spec.md §1 as an external collaborator; this package's
// encoder is a minimal, self-contained approximation of that contract
// (sorted keys, no insignificant whitespace) sufficient to drive the
// hash/signature checks the eval layer performs — see DESIGN.md.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Event is an immutable, parsed Matrix PDU. Once constructed an Event
// is never mutated; evaluators pass it by value/pointer freely.
type Event struct {
	EventID        string            `json:"event_id,omitempty"`
	RoomID         string            `json:"room_id"`
	Sender         string            `json:"sender"`
	Type           string            `json:"type"`
	StateKey       *string           `json:"state_key,omitempty"`
	Origin         string            `json:"origin,omitempty"`
	OriginServerTS int64             `json:"origin_server_ts"`
	Depth          int64             `json:"depth"`
	PrevEvents     []string          `json:"prev_events"`
	AuthEvents     []string          `json:"auth_events"`
	Redacts        string            `json:"redacts,omitempty"`
	Content        json.RawMessage   `json:"content"`
	Hashes         map[string]string `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`

	// raw holds the exact bytes the event was parsed from, used to
	// recompute hashes/signatures bit-for-bit over the wire form.
	raw json.RawMessage
}

// Parse decodes a wire-format PDU. The returned Event's raw bytes are
// retained for canonicalization; id is the id this event was fetched
// or injected under (may be empty when the event carries its own
// event_id, as in room versions <= 2).
func Parse(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	e.raw = append(json.RawMessage(nil), data...)
	return &e, nil
}

// OriginOrSenderHost returns Origin if set, else the host portion of
// Sender — spec.md §3's "sender.host equals origin when both present"
// fallback rule, used throughout phase 3/4 of the eval.
func (e *Event) OriginOrSenderHost() string {
	if e.Origin != "" {
		return e.Origin
	}
	return UserHost(e.Sender)
}

// UserHost extracts the host portion of a "@local:host" user id.
func UserHost(userID string) string {
	for i := 0; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[i+1:]
		}
	}
	return ""
}

// Clone returns a shallow value copy sufficient for the registry's
// non-owning bookkeeping; slices/maps are shared, never mutated after
// construction.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

// Raw returns the bytes this event was parsed from, or marshals the
// typed fields if constructed programmatically (local injection path).
func (e *Event) Raw() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(e)
}

// Timestamp returns OriginServerTS as a time.Time for logging.
func (e *Event) Timestamp() time.Time {
	return time.UnixMilli(e.OriginServerTS)
}

// CanonicalJSON re-serializes v with object keys sorted and no
// insignificant whitespace, the minimal subset of the Matrix canonical
// JSON contract (§9 design notes) this core needs to reproduce
// hash/signature input bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalize(generic)
}

func canonicalize(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf := []byte{'['}
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(t)
	}
}
