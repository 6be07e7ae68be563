// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"strconv"

	"github.com/stewardhq/steward/lib/config"
	"github.com/stewardhq/steward/messaging"
)

// Policy is the static permission policy applied to every managed
// room: the power levels owners and members receive, the power-level
// schema, and the room-level settings enforced each cycle. Read-only
// after construction.
type Policy struct {
	// AdminLevel is granted to room owners. Users at or above this
	// level are never kicked or demoted automatically.
	AdminLevel int

	// MemberLevel is granted to ordinary target members.
	MemberLevel int

	// Schema holds the desired non-user power-level fields. Users is
	// always empty here; per-user levels are computed during diffing.
	Schema messaging.PowerLevels

	HistoryVisibility string
	EncryptOnCreation bool
}

// PolicyFromConfig builds the process-wide Policy from the rooms
// section of the configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := cfg.Rooms.Permissions
	events := make(map[string]int, len(p.Events))
	for eventType, level := range p.Events {
		events[eventType] = level
	}
	return Policy{
		AdminLevel:  p.AdminLevel,
		MemberLevel: p.MemberLevel,
		Schema: messaging.PowerLevels{
			UsersDefault:  p.UsersDefault,
			EventsDefault: p.EventsDefault,
			StateDefault:  p.StateDefault,
			Invite:        p.Invite,
			Kick:          p.Kick,
			Ban:           p.Ban,
			Redact:        p.Redact,
			Events:        events,
		},
		HistoryVisibility: cfg.Rooms.HistoryVisibility,
		EncryptOnCreation: cfg.Rooms.EncryptOnCreation,
	}
}

// applySchema overlays the policy schema onto a room's current power
// levels. Event overrides the policy does not mention are preserved —
// wiping them could strip protections added manually in the room.
func (p Policy) applySchema(levels *messaging.PowerLevels) {
	levels.UsersDefault = p.Schema.UsersDefault
	levels.EventsDefault = p.Schema.EventsDefault
	levels.StateDefault = p.Schema.StateDefault
	levels.Invite = p.Schema.Invite
	levels.Kick = p.Schema.Kick
	levels.Ban = p.Schema.Ban
	levels.Redact = p.Schema.Redact
	if levels.Events == nil && len(p.Schema.Events) > 0 {
		levels.Events = make(map[string]int, len(p.Schema.Events))
	}
	for eventType, level := range p.Schema.Events {
		levels.Events[eventType] = level
	}
}

// schemaActions compares a room's current power-level schema against
// the policy and returns one ActionSetRoomPermission per differing
// key. Event overrides are compared only for the event types the
// policy configures.
func (p Policy) schemaActions(current *messaging.PowerLevels) []Action {
	var actions []Action
	add := func(key string, from, to int) {
		if from != to {
			actions = append(actions, Action{
				Kind:  ActionSetRoomPermission,
				Key:   PermissionPowerLevels,
				Value: key + "=" + strconv.Itoa(to),
			})
		}
	}
	add("users_default", current.UsersDefault, p.Schema.UsersDefault)
	add("events_default", current.EventsDefault, p.Schema.EventsDefault)
	add("state_default", current.StateDefault, p.Schema.StateDefault)
	add("invite", current.Invite, p.Schema.Invite)
	add("kick", current.Kick, p.Schema.Kick)
	add("ban", current.Ban, p.Schema.Ban)
	add("redact", current.Redact, p.Schema.Redact)
	for eventType, level := range p.Schema.Events {
		currentLevel, ok := current.Events[eventType]
		if !ok {
			currentLevel = current.StateDefault
			if !isStateEventType(eventType) {
				currentLevel = current.EventsDefault
			}
		}
		add(eventType, currentLevel, level)
	}
	return actions
}

// isStateEventType reports whether an event type configured in the
// policy is a state event, which determines its fallback level when
// the room has no explicit override.
func isStateEventType(eventType string) bool {
	switch eventType {
	case messaging.EventTypePowerLevels,
		messaging.EventTypeHistoryVisibility,
		messaging.EventTypeEncryption,
		messaging.EventTypeName,
		messaging.EventTypeCanonicalAlias,
		"m.room.topic", "m.room.avatar", "m.room.server_acl", "m.room.tombstone":
		return true
	}
	return false
}
