// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"fmt"
	"time"

	"github.com/stewardhq/steward/directory"
	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/messaging"
)

// ActionKind discriminates the variants of Action.
type ActionKind string

const (
	ActionInvite            ActionKind = "invite"
	ActionKick              ActionKind = "kick"
	ActionSetPowerLevel     ActionKind = "set_power_level"
	ActionSetRoomPermission ActionKind = "set_room_permission"
	ActionCreateRoomSkipped ActionKind = "create_room_skipped"
)

// Permission keys used by ActionSetRoomPermission.
const (
	PermissionPowerLevels       = "power_levels"
	PermissionHistoryVisibility = "history_visibility"
	PermissionRoomName          = "name"
)

// Action is one step of a room's convergence plan. Fields beyond Kind
// are populated per variant: User and Level for membership and
// power-level actions, Key and Value for room permissions, Reason for
// kicks and skips.
type Action struct {
	Kind   ActionKind
	User   ref.UserID
	Level  int
	Key    string
	Value  string
	Reason string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionInvite:
		return fmt.Sprintf("invite %s", a.User)
	case ActionKick:
		return fmt.Sprintf("kick %s (%s)", a.User, a.Reason)
	case ActionSetPowerLevel:
		return fmt.Sprintf("set power level of %s to %d", a.User, a.Level)
	case ActionSetRoomPermission:
		return fmt.Sprintf("set %s to %q", a.Key, a.Value)
	case ActionCreateRoomSkipped:
		return fmt.Sprintf("room not created (%s)", a.Reason)
	default:
		return string(a.Kind)
	}
}

// RoomPlan is the ordered action sequence for one room. Actions are
// stored in execution order: kicks, then invites, then permission
// changes, so the room never passes through a state where a user is
// over-privileged relative to the target.
type RoomPlan struct {
	Alias  ref.RoomAlias
	RoomID ref.RoomID

	Actions []Action

	// Stale lists members who diverge from the target but were
	// protected from kicking by cautious mode. Reported, never acted.
	Stale []ref.UserID

	// PowerLevels is the complete desired m.room.power_levels content
	// when any power-level or permission-schema action is planned.
	// The executor sends it as a single state event, coalescing every
	// per-user level change and schema change into one write.
	PowerLevels *messaging.PowerLevels
}

// Empty reports whether the plan requires no work.
func (p *RoomPlan) Empty() bool {
	return len(p.Actions) == 0
}

// ActionFailure records one action that could not be applied.
type ActionFailure struct {
	Action Action
	Err    error
}

// RoomReport is the outcome of executing (or dry-running) one room's
// plan.
type RoomReport struct {
	Alias ref.RoomAlias

	// Applied holds the actions that were executed, or on a dry run,
	// the actions that would have been.
	Applied []Action

	// Stale mirrors RoomPlan.Stale.
	Stale []ref.UserID

	// Failures holds actions that errored. Execution continues past
	// failures within a room.
	Failures []ActionFailure

	// Err is set when the room could not be processed at all: its
	// state was unreadable, creation failed, or the daemon lacks the
	// power to manage it. Actions were neither planned nor applied.
	Err error
}

// Report is the outcome of one full reconciliation cycle.
type Report struct {
	DryRun   bool
	Started  time.Time
	Finished time.Time

	// Rooms holds one report per resolved room, including rooms that
	// needed no work (empty Applied).
	Rooms []RoomReport

	// SkippedGroups lists directory groups dropped during
	// normalization because their name did not decode to a room alias.
	SkippedGroups []directory.FormatError
}

// Failed reports whether any room had a room-level error or action
// failure.
func (r *Report) Failed() bool {
	for _, room := range r.Rooms {
		if room.Err != nil || len(room.Failures) > 0 {
			return true
		}
	}
	return false
}
