package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mmmika/construct/internal/event"
)

func memberEvent(userID, membership string) *event.Event {
	return &event.Event{
		Type:     "m.room.member",
		Sender:   userID,
		StateKey: &userID,
		Content:  json.RawMessage(`{"membership":"` + membership + `"}`),
	}
}

func baseState(creator string) State {
	s := State{}
	create := &event.Event{Type: "m.room.create", Sender: creator, Content: json.RawMessage(`{"creator":"` + creator + `"}`)}
	s[key("m.room.create", "")] = create
	s[key("m.room.member", creator)] = memberEvent(creator, "join")
	return s
}

func TestCheckAllowsCreateEventUnconditionally(t *testing.T) {
	r := NewReference()
	e := &event.Event{Type: "m.room.create", Sender: "@a:example.org"}
	assert.NoError(t, r.Check(e, State{}))
}

func TestCheckRejectsMissingCreateEvent(t *testing.T) {
	r := NewReference()
	e := &event.Event{Type: "m.room.message", Sender: "@a:example.org"}
	assert.Error(t, r.Check(e, State{}))
}

func TestCheckRejectsNonMember(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	e := &event.Event{Type: "m.room.message", Sender: "@outsider:example.org", Content: json.RawMessage(`{}`)}
	assert.Error(t, r.Check(e, state))
}

func TestCheckAllowsJoinedMemberToSendMessage(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	e := &event.Event{Type: "m.room.message", Sender: "@creator:example.org", Content: json.RawMessage(`{}`)}
	assert.NoError(t, r.Check(e, state))
}

func TestCheckSelfJoinAllowed(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	e := memberEvent("@newuser:example.org", "join")
	assert.NoError(t, r.Check(e, state))
}

func TestCheckJoinOnBehalfOfAnotherRejected(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	target := "@newuser:example.org"
	e := &event.Event{
		Type:     "m.room.member",
		Sender:   "@creator:example.org",
		StateKey: &target,
		Content:  json.RawMessage(`{"membership":"join"}`),
	}
	assert.Error(t, r.Check(e, state))
}

func TestCheckBannedUserCannotRejoin(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	target := "@bob:example.org"
	state[key("m.room.member", target)] = memberEvent(target, "ban")

	e := memberEvent(target, "join")
	assert.Error(t, r.Check(e, state))
}

func TestCheckKickRequiresPower(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	target := "@bob:example.org"
	state[key("m.room.member", target)] = memberEvent(target, "join")

	leave := &event.Event{
		Type:     "m.room.member",
		Sender:   "@bob:example.org",
		StateKey: &target,
		Content:  json.RawMessage(`{"membership":"leave"}`),
	}
	assert.NoError(t, r.Check(leave, state), "self-leave never needs power")

	kickBySelfless := &event.Event{
		Type:     "m.room.member",
		Sender:   "@creator:example.org",
		StateKey: &target,
		Content:  json.RawMessage(`{"membership":"leave"}`),
	}
	assert.NoError(t, r.Check(kickBySelfless, state), "room creator defaults to power 100")
}

func TestCheckPowerLevelGatesStateEvents(t *testing.T) {
	r := NewReference()
	state := baseState("@creator:example.org")
	target := "@bob:example.org"
	state[key("m.room.member", target)] = memberEvent(target, "join")

	nameChange := &event.Event{
		Type:    "m.room.name",
		Sender:  target,
		Content: json.RawMessage(`{"name":"new name"}`),
	}
	assert.Error(t, r.Check(nameChange, state), "non-privileged member cannot rename the room")

	byCreator := &event.Event{
		Type:    "m.room.name",
		Sender:  "@creator:example.org",
		Content: json.RawMessage(`{"name":"new name"}`),
	}
	assert.NoError(t, r.Check(byCreator, state))
}
