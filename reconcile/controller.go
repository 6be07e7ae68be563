// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/messaging"
)

// RoomState is one room's observed state, read fresh at the start of
// each cycle. No sync decision may use state older than the current
// cycle, so RoomState is never cached.
type RoomState struct {
	Alias ref.RoomAlias

	// ID is the resolved room ID. Zero when Exists is false.
	ID ref.RoomID

	// Exists reports whether the alias resolved to a room.
	Exists bool

	// BotJoined reports whether the daemon's account is joined. When
	// false the remaining fields are zero — a non-member cannot read
	// room state.
	BotJoined bool

	// Members maps each current participant to their membership,
	// MembershipJoin or MembershipInvite. Left and banned users are
	// not listed.
	Members map[ref.UserID]string

	// PowerLevels is the current m.room.power_levels content.
	PowerLevels messaging.PowerLevels

	// HistoryVisibility is the current m.room.history_visibility
	// value, or "shared" (the Matrix default) when the event is absent.
	HistoryVisibility string

	// Encrypted reports whether m.room.encryption is set. One-way:
	// encryption can be observed but never removed.
	Encrypted bool

	// Name is the current room name, empty when unset.
	Name string
}

// Joined reports whether the user is currently joined.
func (s *RoomState) Joined(user ref.UserID) bool {
	return s.Members[user] == messaging.MembershipJoin
}

// Present reports whether the user is joined or invited.
func (s *RoomState) Present(user ref.UserID) bool {
	_, ok := s.Members[user]
	return ok
}

// RoomController is the capability interface over the Matrix room
// transport. Every call is bounded by its context and individually
// fallible; the orchestrator isolates failures per room and per
// action. Implementations must be idempotent at the semantic level:
// inviting a present user or re-sending identical state is either a
// no-op or suppressed by the caller before dispatch.
type RoomController interface {
	// BotUserID is the daemon's own Matrix user ID.
	BotUserID() ref.UserID

	// RoomState reads a room's observed state. An unresolvable alias
	// is not an error: it returns a state with Exists false.
	RoomState(ctx context.Context, alias ref.RoomAlias) (*RoomState, error)

	// CreateRoom creates the room for an alias on the daemon's own
	// homeserver, applying the given power-level schema and optional
	// encryption at creation time.
	CreateRoom(ctx context.Context, alias ref.RoomAlias, encrypt bool, levels *messaging.PowerLevels) (ref.RoomID, error)

	// ManagedAliases lists canonical aliases of rooms the daemon
	// occupies on its own homeserver. Used to find rooms that dropped
	// out of the directory but still need reconciling down.
	ManagedAliases(ctx context.Context) ([]ref.RoomAlias, error)

	// JoinedRooms lists every room the daemon occupies.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	Invite(ctx context.Context, roomID ref.RoomID, user ref.UserID) error
	Kick(ctx context.Context, roomID ref.RoomID, user ref.UserID, reason string) error
	SetPowerLevels(ctx context.Context, roomID ref.RoomID, levels *messaging.PowerLevels) error
	SetHistoryVisibility(ctx context.Context, roomID ref.RoomID, visibility string) error
	SetRoomName(ctx context.Context, roomID ref.RoomID, name string) error
	Leave(ctx context.Context, roomID ref.RoomID) error
}
