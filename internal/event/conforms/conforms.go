// Package conforms implements the structural conformance check that is
// phase 1 of the eval state machine (spec.md §4.2). It is grounded on
// the failure-code enumeration of event::conforms in Construct's
// matrix/event_conforms.cc: rather than a single pass/fail, every
// event is checked against the full rule set and accumulates a bitmask
// of every rule it violates, so a caller can report (or tolerate) more
// than one problem at once.
package conforms

import (
	"encoding/json"
	"strings"

	"github.com/mmmika/construct/internal/event"
)

func unmarshalContent(e *event.Event, v any) error {
	if len(e.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Content, v)
}

// Code is a single bit identifying one conformance rule.
type Code uint64

const (
	InvalidOrMissingEventID Code = 1 << iota
	InvalidOrMissingRoomID
	InvalidOrMissingSenderID
	MissingType
	MissingOrigin
	InvalidOrigin
	InvalidOrMissingRedactsID
	MissingContentMembership
	InvalidContentMembership
	MissingMemberStateKey
	InvalidMemberStateKey
	MissingPrevEvents
	MissingAuthEvents
	DepthNegative
	DepthZero
	MissingSignatures
	MissingOriginSignature
	MismatchOriginSender
	MismatchCreateSender
	MismatchAliasesStateKey
	SelfRedacts
	SelfPrevEvent
	SelfAuthEvent
	DupPrevEvent
	DupAuthEvent
	MismatchEventID
)

var reflects = map[Code]string{
	InvalidOrMissingEventID:  "INVALID_OR_MISSING_EVENT_ID",
	InvalidOrMissingRoomID:   "INVALID_OR_MISSING_ROOM_ID",
	InvalidOrMissingSenderID: "INVALID_OR_MISSING_SENDER_ID",
	MissingType:              "MISSING_TYPE",
	MissingOrigin:            "MISSING_ORIGIN",
	InvalidOrigin:            "INVALID_ORIGIN",
	InvalidOrMissingRedactsID: "INVALID_OR_MISSING_REDACTS_ID",
	MissingContentMembership: "MISSING_CONTENT_MEMBERSHIP",
	InvalidContentMembership: "INVALID_CONTENT_MEMBERSHIP",
	MissingMemberStateKey:    "MISSING_MEMBER_STATE_KEY",
	InvalidMemberStateKey:    "INVALID_MEMBER_STATE_KEY",
	MissingPrevEvents:        "MISSING_PREV_EVENTS",
	MissingAuthEvents:        "MISSING_AUTH_EVENTS",
	DepthNegative:            "DEPTH_NEGATIVE",
	DepthZero:                "DEPTH_ZERO",
	MissingSignatures:        "MISSING_SIGNATURES",
	MissingOriginSignature:   "MISSING_ORIGIN_SIGNATURE",
	MismatchOriginSender:     "MISMATCH_ORIGIN_SENDER",
	MismatchCreateSender:     "MISMATCH_CREATE_SENDER",
	MismatchAliasesStateKey:  "MISMATCH_ALIASES_STATE_KEY",
	SelfRedacts:              "SELF_REDACTS",
	SelfPrevEvent:            "SELF_PREV_EVENT",
	SelfAuthEvent:            "SELF_AUTH_EVENT",
	DupPrevEvent:             "DUP_PREV_EVENT",
	DupAuthEvent:             "DUP_AUTH_EVENT",
	MismatchEventID:          "MISMATCH_EVENT_ID",
}

// Report is the accumulated set of rule violations for one event.
type Report struct {
	Code Code
}

// Clean reports whether no rule was violated.
func (r Report) Clean() bool { return r.Code == 0 }

// Has reports whether a specific rule was violated.
func (r Report) Has(c Code) bool { return r.Code&c != 0 }

// Strings renders every violated rule's name, in bit order, matching
// event_conforms_reflects's presentation for logs and error messages.
func (r Report) Strings() []string {
	var out []string
	for c := Code(1); c != 0; c <<= 1 {
		if r.Code&c != 0 {
			if name, ok := reflects[c]; ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func (r Report) String() string {
	return strings.Join(r.Strings(), "|")
}

// Options control which rule families are evaluated. All default to
// true; a fetch-path caller preferring the deadlock-avoiding subset
// (spec.md §4.3's check.conforms=false default) evaluates none of
// these at all rather than flipping options off, so this exists mainly
// for tests exercising individual rules in isolation.
type Options struct {
	CheckSelfReferences bool
	CheckDuplicates     bool
}

func DefaultOptions() Options {
	return Options{CheckSelfReferences: true, CheckDuplicates: true}
}

// Check runs every structural rule against e and returns the
// accumulated report. version selects the event-id shape rule: room
// versions 1-3 require an explicit event_id field, 4+ require it be
// absent (the id is derived, see event.DeriveEventID) and prev/auth
// event references be bare ids rather than [id, hashes] tuples — this
// package only checks presence/shape, not derivation.
func Check(e *event.Event, roomVersion string, opts Options) Report {
	var r Report

	checkEventID(e, roomVersion, &r)
	checkRoomID(e, &r)
	checkSenderID(e, &r)

	if e.Type == "" {
		r.Code |= MissingType
	}

	checkOrigin(e, &r)

	if e.Redacts != "" && !looksLikeEventID(e.Redacts) {
		r.Code |= InvalidOrMissingRedactsID
	}

	checkMembership(e, &r)

	if len(e.PrevEvents) == 0 && e.Type != "m.room.create" {
		r.Code |= MissingPrevEvents
	}
	if len(e.AuthEvents) == 0 && e.Type != "m.room.create" {
		r.Code |= MissingAuthEvents
	}

	if e.Depth < 0 {
		r.Code |= DepthNegative
	} else if e.Depth == 0 && e.Type != "m.room.create" {
		r.Code |= DepthZero
	}

	if len(e.Signatures) == 0 {
		r.Code |= MissingSignatures
	} else if _, ok := e.Signatures[e.OriginOrSenderHost()]; !ok {
		r.Code |= MissingOriginSignature
	}

	if e.Origin != "" && e.Origin != event.UserHost(e.Sender) {
		r.Code |= MismatchOriginSender
	}

	checkCreateSender(e, &r)
	checkAliasesStateKey(e, &r)

	if opts.CheckSelfReferences {
		checkSelfReferences(e, &r)
	}
	if opts.CheckDuplicates {
		checkDuplicates(e, &r)
	}

	return r
}

func checkEventID(e *event.Event, roomVersion string, r *Report) {
	switch roomVersion {
	case "1", "2", "3":
		if e.EventID == "" {
			r.Code |= InvalidOrMissingEventID
		}
	default:
		// versions 4+: event_id is derived, not carried on the wire;
		// nothing to check structurally here beyond the derivation
		// step the caller performs separately (event.DeriveEventID).
	}
}

func checkRoomID(e *event.Event, r *Report) {
	if e.RoomID == "" || !strings.HasPrefix(e.RoomID, "!") || !strings.Contains(e.RoomID, ":") {
		r.Code |= InvalidOrMissingRoomID
	}
}

func checkSenderID(e *event.Event, r *Report) {
	if e.Sender == "" || !strings.HasPrefix(e.Sender, "@") || !strings.Contains(e.Sender, ":") {
		r.Code |= InvalidOrMissingSenderID
	}
}

func checkOrigin(e *event.Event, r *Report) {
	if e.Origin == "" && event.UserHost(e.Sender) == "" {
		r.Code |= MissingOrigin
		return
	}
	if e.Origin != "" && strings.Contains(e.Origin, "/") {
		r.Code |= InvalidOrigin
	}
}

func checkMembership(e *event.Event, r *Report) {
	if e.Type != "m.room.member" {
		return
	}
	if e.StateKey == nil {
		r.Code |= MissingMemberStateKey
		return
	}
	if !strings.HasPrefix(*e.StateKey, "@") {
		r.Code |= InvalidMemberStateKey
	}

	var content struct {
		Membership string `json:"membership"`
	}
	if err := unmarshalContent(e, &content); err != nil || content.Membership == "" {
		r.Code |= MissingContentMembership
		return
	}
	switch content.Membership {
	case "join", "leave", "invite", "ban", "knock":
	default:
		r.Code |= InvalidContentMembership
	}
}

// checkCreateSender enforces that an m.room.create event's sender
// matches its own content.creator (room versions <= 10) — the create
// event is its own auth root, so this can't be deferred to auth.
func checkCreateSender(e *event.Event, r *Report) {
	if e.Type != "m.room.create" {
		return
	}
	var content struct {
		Creator string `json:"creator"`
	}
	if err := unmarshalContent(e, &content); err != nil || content.Creator == "" {
		return
	}
	if content.Creator != e.Sender {
		r.Code |= MismatchCreateSender
	}
}

// checkAliasesStateKey enforces that an m.room.aliases event's state
// key equals the origin server name it was sent by.
func checkAliasesStateKey(e *event.Event, r *Report) {
	if e.Type != "m.room.aliases" || e.StateKey == nil {
		return
	}
	if *e.StateKey != e.OriginOrSenderHost() {
		r.Code |= MismatchAliasesStateKey
	}
}

func checkSelfReferences(e *event.Event, r *Report) {
	if e.EventID == "" {
		return
	}
	if e.Redacts == e.EventID && e.Redacts != "" {
		r.Code |= SelfRedacts
	}
	for _, id := range e.PrevEvents {
		if id == e.EventID {
			r.Code |= SelfPrevEvent
			break
		}
	}
	for _, id := range e.AuthEvents {
		if id == e.EventID {
			r.Code |= SelfAuthEvent
			break
		}
	}
}

func checkDuplicates(e *event.Event, r *Report) {
	if hasDup(e.PrevEvents) {
		r.Code |= DupPrevEvent
	}
	if hasDup(e.AuthEvents) {
		r.Code |= DupAuthEvent
	}
}

func hasDup(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

func looksLikeEventID(id string) bool {
	return strings.HasPrefix(id, "$")
}
