// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"sort"
	"strings"

	"github.com/stewardhq/steward/lib/ref"
)

// Target is the desired state of one room, derived from the directory
// model for the current cycle. Immutable within a cycle.
type Target struct {
	Alias   ref.RoomAlias
	Members map[ref.UserID]bool
	Owners  map[ref.UserID]bool
}

// DiffContext carries the cycle-invariant inputs of the diff: who the
// daemon is, which homeserver it manages, the safety mode, the manual
// overrides for the room, and the permission policy.
type DiffContext struct {
	Bot      ref.UserID
	Server   ref.ServerName
	Cautious bool

	// Pinned holds the room's externally-unmanaged members: present
	// by command, exempt from auto-kick.
	Pinned map[ref.UserID]bool

	// Admins holds the room's unmanaged admins: exempt from kick and
	// demotion, they leave only voluntarily or via unmanage.
	Admins map[ref.UserID]bool

	Policy Policy
}

// DiffRoom computes the ordered action plan that converges a room from
// its observed state to the target. Pure: no I/O, no mutation of its
// inputs. Running the diff twice against converged state yields an
// empty plan.
//
// Action order within the plan is kick, invite, then permission
// changes, so a stale member never observes a permission upgrade and a
// new member never sees transient over-membership.
func DiffRoom(target Target, state *RoomState, dctx DiffContext) *RoomPlan {
	plan := &RoomPlan{Alias: target.Alias, RoomID: state.ID}

	planKicks(plan, target, state, dctx)
	planInvites(plan, target, state)
	planLevels(plan, target, state, dctx)

	return plan
}

// planKicks emits a kick for every present member who has no reason to
// stay: not in the target, not pinned, not an unmanaged admin, not the
// daemon itself, on the managed homeserver, and below admin level. In
// cautious mode divergent members are recorded as stale instead —
// cautious mode never emits a kick.
func planKicks(plan *RoomPlan, target Target, state *RoomState, dctx DiffContext) {
	for _, user := range sortedUsers(state.Members) {
		if target.Members[user] || dctx.Pinned[user] || dctx.Admins[user] {
			continue
		}
		if user == dctx.Bot {
			continue
		}
		// Users on other homeservers are someone else's to manage,
		// possibly another daemon's directory.
		if user.Server() != dctx.Server.String() {
			continue
		}
		if state.PowerLevels.Level(user) >= dctx.Policy.AdminLevel {
			continue
		}
		if dctx.Cautious {
			plan.Stale = append(plan.Stale, user)
			continue
		}
		plan.Actions = append(plan.Actions, Action{
			Kind:   ActionKick,
			User:   user,
			Reason: "no longer in directory group",
		})
	}
}

// planInvites emits an invite for every target member not already
// joined or invited. Suppressing the invite for present users is what
// makes the action idempotent at the transport boundary.
func planInvites(plan *RoomPlan, target Target, state *RoomState) {
	for _, user := range sortedUsers(target.Members) {
		if state.Present(user) {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionInvite, User: user})
	}
}

// planLevels computes per-user power-level corrections and, for rooms
// on the managed homeserver, the permission-schema overlay. All level
// and schema changes coalesce into a single desired power_levels
// content carried on the plan.
func planLevels(plan *RoomPlan, target Target, state *RoomState, dctx DiffContext) {
	desired := state.PowerLevels.Clone()
	if desired.Users == nil {
		desired.Users = make(map[string]int)
	}

	// The permission schema follows the alias: only rooms on the
	// managed homeserver get the configured schema. Rooms elsewhere
	// get membership and user levels only.
	managed := target.Alias.Server() == dctx.Server.String()

	var levelActions []Action
	for _, user := range sortedUsers(target.Members) {
		// The daemon's own level is set at room creation and only ever
		// lowered by unmanage. A directory group that happens to list
		// the service account must not demote it here.
		if user == dctx.Bot {
			continue
		}
		// Owner promotion waits for the join: power levels assigned
		// to users who never accept their invite would accumulate in
		// room state indefinitely.
		if !state.Joined(user) {
			continue
		}
		level := dctx.Policy.MemberLevel
		if target.Owners[user] {
			level = dctx.Policy.AdminLevel
		}
		effective := state.PowerLevels.Level(user)
		if effective == level {
			continue
		}
		// Never demote an admin-level user. Someone placed them
		// there deliberately; the diff only promotes.
		if effective >= dctx.Policy.AdminLevel && level < effective {
			continue
		}
		desired.Users[user.String()] = level
		levelActions = append(levelActions, Action{
			Kind:  ActionSetPowerLevel,
			User:  user,
			Level: level,
		})
	}

	var schemaActions []Action
	if managed {
		schemaActions = dctx.Policy.schemaActions(&state.PowerLevels)
		if len(schemaActions) > 0 {
			dctx.Policy.applySchema(desired)
		}
	}

	plan.Actions = append(plan.Actions, levelActions...)
	plan.Actions = append(plan.Actions, schemaActions...)
	if len(levelActions) > 0 || len(schemaActions) > 0 {
		plan.PowerLevels = desired
	}

	if managed {
		if state.HistoryVisibility != dctx.Policy.HistoryVisibility {
			plan.Actions = append(plan.Actions, Action{
				Kind:  ActionSetRoomPermission,
				Key:   PermissionHistoryVisibility,
				Value: dctx.Policy.HistoryVisibility,
			})
		}
		if state.Name == "" {
			plan.Actions = append(plan.Actions, Action{
				Kind:  ActionSetRoomPermission,
				Key:   PermissionRoomName,
				Value: roomNameFromAlias(target.Alias),
			})
		}
	}
}

// roomNameFromAlias derives a display name for a nameless room from
// its alias localpart, with underscores read as spaces.
func roomNameFromAlias(alias ref.RoomAlias) string {
	return strings.ReplaceAll(alias.Localpart(), "_", " ")
}

// sortedUsers returns the keys of a user set in lexical order, for
// deterministic plans.
func sortedUsers[V any](users map[ref.UserID]V) []ref.UserID {
	sorted := make([]ref.UserID, 0, len(users))
	for user := range users {
		sorted = append(sorted, user)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return sorted
}
