// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/messaging"
)

// matrixSession is the slice of the Matrix session the controller
// needs. *messaging.Session satisfies it; tests substitute fakes.
type matrixSession interface {
	UserID() ref.UserID
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error)
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error)
	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
	KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, content any) (string, error)
}

// MatrixController implements RoomController against a Matrix
// homeserver session.
type MatrixController struct {
	session matrixSession
	server  ref.ServerName
	logger  *slog.Logger
}

func NewMatrixController(session *messaging.Session, server ref.ServerName, logger *slog.Logger) *MatrixController {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixController{session: session, server: server, logger: logger}
}

func (c *MatrixController) BotUserID() ref.UserID { return c.session.UserID() }

// RoomState resolves an alias and assembles the room's observed state.
// An unresolvable alias is not an error: it reports Exists false so
// the caller can decide whether to create the room. A room the daemon
// cannot read reports BotJoined false with otherwise empty state.
func (c *MatrixController) RoomState(ctx context.Context, alias ref.RoomAlias) (*RoomState, error) {
	state := &RoomState{Alias: alias, Members: map[ref.UserID]string{}}

	roomID, err := c.session.ResolveAlias(ctx, alias)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return state, nil
		}
		return nil, fmt.Errorf("reconcile: resolving %s: %w", alias, err)
	}
	state.ID = roomID
	state.Exists = true

	members, err := c.session.GetRoomMembers(ctx, roomID)
	if err != nil {
		// Forbidden means the daemon is not in the room. The room
		// exists but nothing more can be observed.
		if messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
			return state, nil
		}
		return nil, fmt.Errorf("reconcile: reading members of %s: %w", alias, err)
	}
	for _, member := range members {
		// The members endpoint returns every membership the daemon can
		// see, including leave and ban. Only join and invite count as
		// present — a departed target member must be re-invited, and a
		// departed non-target member must not be kicked again.
		switch member.Membership {
		case messaging.MembershipJoin, messaging.MembershipInvite:
			state.Members[member.UserID] = member.Membership
		}
	}
	state.BotJoined = state.Joined(c.session.UserID())

	levels, err := messaging.GetState[messaging.PowerLevels](ctx, c.session, roomID, messaging.EventTypePowerLevels, "")
	if err != nil {
		return nil, fmt.Errorf("reconcile: reading power levels of %s: %w", alias, err)
	}
	state.PowerLevels = levels

	visibility, err := messaging.GetState[messaging.HistoryVisibilityContent](ctx, c.session, roomID, messaging.EventTypeHistoryVisibility, "")
	switch {
	case err == nil:
		state.HistoryVisibility = visibility.HistoryVisibility
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		// Absent event means the protocol default.
		state.HistoryVisibility = "shared"
	default:
		return nil, fmt.Errorf("reconcile: reading history visibility of %s: %w", alias, err)
	}

	_, err = c.session.GetStateEvent(ctx, roomID, messaging.EventTypeEncryption, "")
	switch {
	case err == nil:
		state.Encrypted = true
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
	default:
		return nil, fmt.Errorf("reconcile: reading encryption state of %s: %w", alias, err)
	}

	name, err := messaging.GetState[messaging.RoomNameContent](ctx, c.session, roomID, messaging.EventTypeName, "")
	switch {
	case err == nil:
		state.Name = name.Name
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
	default:
		return nil, fmt.Errorf("reconcile: reading name of %s: %w", alias, err)
	}

	return state, nil
}

// CreateRoom creates a room under the alias localpart with the given
// power-level schema already in place, so there is no window where the
// room exists with default permissions.
func (c *MatrixController) CreateRoom(ctx context.Context, alias ref.RoomAlias, encrypt bool, levels *messaging.PowerLevels) (ref.RoomID, error) {
	request := messaging.CreateRoomRequest{
		Name:                      roomNameFromAlias(alias),
		Alias:                     alias.Localpart(),
		Visibility:                "private",
		Preset:                    "private_chat",
		PowerLevelContentOverride: levels,
	}
	if encrypt {
		request.InitialState = append(request.InitialState, messaging.StateEvent{
			Type:    messaging.EventTypeEncryption,
			Content: messaging.DefaultEncryption(),
		})
	}
	response, err := c.session.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("reconcile: creating %s: %w", alias, err)
	}
	return response.RoomID, nil
}

// ManagedAliases walks the daemon's joined rooms and returns the
// canonical aliases on the managed homeserver. Rooms without a
// canonical alias, or with one on another homeserver, are invisible to
// reconciliation. Per-room read failures are logged and skipped so one
// broken room cannot hide the rest.
func (c *MatrixController) ManagedAliases(ctx context.Context) ([]ref.RoomAlias, error) {
	rooms, err := c.session.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing joined rooms: %w", err)
	}
	var aliases []ref.RoomAlias
	for _, roomID := range rooms {
		content, err := messaging.GetState[messaging.CanonicalAliasContent](ctx, c.session, roomID, messaging.EventTypeCanonicalAlias, "")
		if err != nil {
			if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
				c.logger.Warn("skipping room with unreadable canonical alias", "room_id", roomID, "error", err)
			}
			continue
		}
		alias, err := ref.ParseRoomAlias(content.Alias)
		if err != nil {
			continue
		}
		if alias.Server() != c.server.String() {
			continue
		}
		aliases = append(aliases, alias)
	}
	return aliases, nil
}

func (c *MatrixController) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	return c.session.JoinedRooms(ctx)
}

func (c *MatrixController) Invite(ctx context.Context, roomID ref.RoomID, user ref.UserID) error {
	return c.session.InviteUser(ctx, roomID, user)
}

func (c *MatrixController) Kick(ctx context.Context, roomID ref.RoomID, user ref.UserID, reason string) error {
	return c.session.KickUser(ctx, roomID, user, reason)
}

func (c *MatrixController) SetPowerLevels(ctx context.Context, roomID ref.RoomID, levels *messaging.PowerLevels) error {
	_, err := c.session.SendStateEvent(ctx, roomID, messaging.EventTypePowerLevels, "", levels)
	return err
}

func (c *MatrixController) SetHistoryVisibility(ctx context.Context, roomID ref.RoomID, visibility string) error {
	_, err := c.session.SendStateEvent(ctx, roomID, messaging.EventTypeHistoryVisibility, "", messaging.HistoryVisibilityContent{HistoryVisibility: visibility})
	return err
}

func (c *MatrixController) SetRoomName(ctx context.Context, roomID ref.RoomID, name string) error {
	_, err := c.session.SendStateEvent(ctx, roomID, messaging.EventTypeName, "", messaging.RoomNameContent{Name: name})
	return err
}

func (c *MatrixController) Leave(ctx context.Context, roomID ref.RoomID) error {
	return c.session.LeaveRoom(ctx, roomID)
}
