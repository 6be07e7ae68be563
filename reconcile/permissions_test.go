// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"testing"

	"github.com/stewardhq/steward/lib/config"
	"github.com/stewardhq/steward/messaging"
)

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Rooms.Permissions.Events = map[string]int{
		"m.room.topic": 75,
	}
	policy := PolicyFromConfig(cfg)

	if policy.AdminLevel != 100 {
		t.Errorf("AdminLevel = %d, want 100", policy.AdminLevel)
	}
	if policy.MemberLevel != 0 {
		t.Errorf("MemberLevel = %d, want 0", policy.MemberLevel)
	}
	if policy.Schema.StateDefault != 50 {
		t.Errorf("StateDefault = %d, want 50", policy.Schema.StateDefault)
	}
	if policy.Schema.Events["m.room.topic"] != 75 {
		t.Error("configured event override missing from schema")
	}
	if len(policy.Schema.Users) != 0 {
		t.Error("schema must not carry per-user levels")
	}
}

func TestSchemaActions(t *testing.T) {
	policy := testPolicy()

	t.Run("conforming room is quiet", func(t *testing.T) {
		current := policy.Schema
		if actions := policy.schemaActions(&current); len(actions) != 0 {
			t.Fatalf("conforming schema produced actions: %v", actions)
		}
	})

	t.Run("each drifted key reported once", func(t *testing.T) {
		current := policy.Schema
		current.Invite = 0
		current.Ban = 100
		actions := policy.schemaActions(&current)
		if len(actions) != 2 {
			t.Fatalf("expected 2 actions, got %v", actions)
		}
		values := map[string]bool{}
		for _, action := range actions {
			if action.Kind != ActionSetRoomPermission || action.Key != PermissionPowerLevels {
				t.Fatalf("unexpected action %v", action)
			}
			values[action.Value] = true
		}
		if !values["invite=50"] || !values["ban=50"] {
			t.Errorf("values = %v, want invite=50 and ban=50", values)
		}
	})

	t.Run("event override falls back to state default", func(t *testing.T) {
		policy := testPolicy()
		policy.Schema.Events = map[string]int{"m.room.topic": 75}
		current := testPolicy().Schema
		// Room has no override for m.room.topic; its effective level
		// is the state default 50, which differs from 75.
		actions := policy.schemaActions(&current)
		if len(actions) != 1 || actions[0].Value != "m.room.topic=75" {
			t.Fatalf("actions = %v, want m.room.topic=75", actions)
		}
	})

	t.Run("message event override falls back to events default", func(t *testing.T) {
		policy := testPolicy()
		policy.Schema.Events = map[string]int{"m.room.message": 0}
		current := testPolicy().Schema
		// Effective level for m.room.message without an override is
		// the events default 0, equal to the policy. No action.
		if actions := policy.schemaActions(&current); len(actions) != 0 {
			t.Fatalf("expected no actions, got %v", actions)
		}
	})
}

func TestApplySchema(t *testing.T) {
	policy := testPolicy()
	policy.Schema.Events = map[string]int{"m.room.topic": 75}

	levels := &messaging.PowerLevels{
		Users:        map[string]int{"@alice:example.com": 100},
		UsersDefault: 10,
		Invite:       0,
		Events: map[string]int{
			"m.room.pinned_events": 99, // manual override, not in policy
		},
	}
	policy.applySchema(levels)

	if levels.Invite != 50 || levels.UsersDefault != 0 {
		t.Errorf("schema fields not overlaid: %+v", levels)
	}
	if levels.Users["@alice:example.com"] != 100 {
		t.Error("per-user levels must survive the overlay")
	}
	if levels.Events["m.room.topic"] != 75 {
		t.Error("policy event override not applied")
	}
	// Overrides the policy does not mention stay in place.
	if levels.Events["m.room.pinned_events"] != 99 {
		t.Error("unconfigured event override was wiped")
	}
}
