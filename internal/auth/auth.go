// Package auth implements phase 5 of the eval state machine
// (spec.md §4.2): checking an event against the resolved state named
// by its auth_events. spec.md leaves the rule set as "a pure function
// ... not specified further beyond its interface"; this package
// supplies a reference subset sufficient to drive the commit phase —
// creation, membership and power-level checks — deferring anything
// these rules don't discriminate to internal/stateres's ordering
// rule, per this package's Open Question resolution (see DESIGN.md).
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/merr"
)

// State is the minimal view of resolved room state the checker
// consults, keyed the way internal/stateres resolves it.
type State map[string]*event.Event // key: type + "\x00" + stateKey

func key(eventType, stateKey string) string {
	return eventType + "\x00" + stateKey
}

func (s State) Get(eventType, stateKey string) *event.Event {
	return s[key(eventType, stateKey)]
}

// Checker validates an event against resolved auth state.
type Checker interface {
	Check(e *event.Event, state State) error
}

// Reference is the default Checker.
type Reference struct{}

func NewReference() Reference { return Reference{} }

func (Reference) Check(e *event.Event, state State) error {
	if e.Type == "m.room.create" {
		// the create event is its own auth root; conforms already
		// checked sender == content.creator.
		return nil
	}

	create := state.Get("m.room.create", "")
	if create == nil {
		return fmt.Errorf("%w: no m.room.create in auth state", merr.ErrUnauthorized)
	}

	member := state.Get("m.room.member", e.Sender)
	if member == nil {
		return fmt.Errorf("%w: sender %s is not a member", merr.ErrUnauthorized, e.Sender)
	}
	membership, err := membershipOf(member)
	if err != nil {
		return fmt.Errorf("%w: %v", merr.ErrUnauthorized, err)
	}
	if membership != "join" {
		return fmt.Errorf("%w: sender %s has membership %q, not join", merr.ErrUnauthorized, e.Sender, membership)
	}

	if e.Type == "m.room.member" {
		return checkMembershipChange(e, state)
	}

	return checkPowerLevel(e, state)
}

func membershipOf(e *event.Event) (string, error) {
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

func checkMembershipChange(e *event.Event, state State) error {
	if e.StateKey == nil {
		return fmt.Errorf("%w: m.room.member without state_key", merr.ErrUnauthorized)
	}
	newMembership, err := membershipOf(e)
	if err != nil {
		return fmt.Errorf("%w: %v", merr.ErrUnauthorized, err)
	}

	target := *e.StateKey
	current := state.Get("m.room.member", target)
	var currentMembership string
	if current != nil {
		currentMembership, _ = membershipOf(current)
	} else {
		currentMembership = "leave"
	}

	switch newMembership {
	case "join":
		if target != e.Sender {
			return fmt.Errorf("%w: only a user may set their own join", merr.ErrUnauthorized)
		}
		if currentMembership == "ban" {
			return fmt.Errorf("%w: banned users cannot join", merr.ErrUnauthorized)
		}
	case "leave":
		if target != e.Sender && !hasPowerToKick(e.Sender, state) {
			return fmt.Errorf("%w: insufficient power to remove %s", merr.ErrUnauthorized, target)
		}
	case "ban":
		if !hasPowerToBan(e.Sender, state) {
			return fmt.Errorf("%w: insufficient power to ban %s", merr.ErrUnauthorized, target)
		}
	case "invite":
		if currentMembership == "ban" || currentMembership == "join" {
			return fmt.Errorf("%w: cannot invite a member in state %q", merr.ErrUnauthorized, currentMembership)
		}
	case "knock":
		if target != e.Sender {
			return fmt.Errorf("%w: only a user may knock for themself", merr.ErrUnauthorized)
		}
	default:
		return fmt.Errorf("%w: unknown membership %q", merr.ErrUnauthorized, newMembership)
	}
	return nil
}

func checkPowerLevel(e *event.Event, state State) error {
	if !isStateEventRequiringPower(e.Type) {
		return nil
	}
	levels := powerLevelsOf(state)
	senderLevel := levels.userLevel(e.Sender)
	required := levels.eventLevel(e.Type)
	if senderLevel < required {
		return fmt.Errorf("%w: sender power %d below required %d for %s", merr.ErrUnauthorized, senderLevel, required, e.Type)
	}
	return nil
}

func isStateEventRequiringPower(eventType string) bool {
	switch eventType {
	case "m.room.name", "m.room.topic", "m.room.power_levels", "m.room.join_rules", "m.room.avatar":
		return true
	default:
		return false
	}
}

func hasPowerToKick(sender string, state State) bool {
	levels := powerLevelsOf(state)
	return levels.userLevel(sender) >= levels.Kick
}

func hasPowerToBan(sender string, state State) bool {
	levels := powerLevelsOf(state)
	return levels.userLevel(sender) >= levels.Ban
}

type powerLevels struct {
	Users        map[string]int
	Events       map[string]int
	UsersDefault int
	EventDefault int
	Ban          int
	Kick         int
}

func powerLevelsOf(state State) powerLevels {
	pl := powerLevels{UsersDefault: 0, EventDefault: 0, Ban: 50, Kick: 50}

	e := state.Get("m.room.power_levels", "")
	if e == nil {
		create := state.Get("m.room.create", "")
		if create != nil {
			pl.Users = map[string]int{create.Sender: 100}
		}
		return pl
	}

	var content struct {
		Users        map[string]int `json:"users"`
		Events       map[string]int `json:"events"`
		UsersDefault *int           `json:"users_default"`
		EventDefault *int           `json:"events_default"`
		Ban          *int           `json:"ban"`
		Kick         *int           `json:"kick"`
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return pl
	}
	pl.Users = content.Users
	pl.Events = content.Events
	if content.UsersDefault != nil {
		pl.UsersDefault = *content.UsersDefault
	}
	if content.EventDefault != nil {
		pl.EventDefault = *content.EventDefault
	}
	if content.Ban != nil {
		pl.Ban = *content.Ban
	}
	if content.Kick != nil {
		pl.Kick = *content.Kick
	}
	return pl
}

func (p powerLevels) userLevel(userID string) int {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

func (p powerLevels) eventLevel(eventType string) int {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	return p.EventDefault
}
