// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/stewardhq/steward/lib/ref"
)

// ownersMarker flags a group as holding the owner set for its room,
// used by backends without native owner metadata. "#project-x_owners"
// carries the owners of "#project-x".
const ownersMarker = "_owners"

// externalAccountMarker is the tag Azure-style directories inject into
// the userPrincipalName of guest accounts invited from another tenant:
// "user_gmail.com#EXT#@tenant.onmicrosoft.com". The username before
// the marker carries an "_<domain>" suffix that is not part of the
// person's actual username.
const externalAccountMarker = "#ext#"

// Normalizer converts raw backend Groups into a Model. It owns the
// username normalization rules and the owners-group merge; backends
// stay protocol-only.
type Normalizer struct {
	server  ref.ServerName
	renames *RenameResolver
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer that qualifies usernames against
// the given homeserver. logger may be nil for slog.Default().
func NewNormalizer(server ref.ServerName, renames *RenameResolver, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if renames == nil {
		renames = NewRenameResolver(nil)
	}
	return &Normalizer{server: server, renames: renames, logger: logger}
}

// Normalize folds raw groups into a Model. Groups whose name does not
// decode to a valid room alias are skipped and recorded; usernames
// that do not survive normalization are dropped with a warning. Both
// are per-entry failures — Normalize itself never fails.
//
// Multiple groups mapping to the same alias are unioned, and owners
// are always added to the member set, so the Owners-subset-of-Members
// invariant holds for every RoomGroup in the result.
func (n *Normalizer) Normalize(groups []Group) *Model {
	model := &Model{Rooms: make(map[ref.RoomAlias]*RoomGroup)}

	for _, group := range groups {
		name := group.Name
		ownersGroup := false
		if strings.Contains(name, ownersMarker) {
			ownersGroup = true
			name = strings.Replace(name, ownersMarker, "", 1)
		}

		alias, err := ref.ParseRoomAlias(name)
		if err != nil {
			model.Skipped = append(model.Skipped, FormatError{
				GroupID: group.ID,
				Name:    group.Name,
				Err:     err,
			})
			n.logger.Warn("skipping directory group with undecodable name",
				"group_id", group.ID,
				"name", group.Name,
				"error", err,
			)
			continue
		}

		room := model.Rooms[alias]
		if room == nil {
			room = &RoomGroup{
				Members: make(map[ref.UserID]bool),
				Owners:  make(map[ref.UserID]bool),
			}
			model.Rooms[alias] = room
		}

		for _, raw := range group.Members {
			userID, err := n.normalizeUsername(raw)
			if err != nil {
				n.logger.Warn("dropping directory member with invalid username",
					"group_id", group.ID,
					"username", raw,
					"error", err,
				)
				continue
			}
			room.Members[userID] = true
			if ownersGroup {
				room.Owners[userID] = true
			}
		}

		for _, raw := range group.Owners {
			userID, err := n.normalizeUsername(raw)
			if err != nil {
				n.logger.Warn("dropping directory owner with invalid username",
					"group_id", group.ID,
					"username", raw,
					"error", err,
				)
				continue
			}
			// Owners are members too, even if the directory only
			// listed them in the owner relation.
			room.Members[userID] = true
			room.Owners[userID] = true
		}
	}

	return model
}

// normalizeUsername converts a raw directory username into a Matrix
// user ID on the configured homeserver. Steps, in order: lowercase,
// strip the guest-account marker and its injected domain suffix, drop
// any "@domain" tail, apply the rename mapping once, then validate as
// a Matrix localpart.
func (n *Normalizer) normalizeUsername(raw string) (ref.UserID, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return ref.UserID{}, fmt.Errorf("empty username")
	}

	if prefix, _, found := strings.Cut(name, externalAccountMarker); found {
		if i := strings.LastIndexByte(prefix, '_'); i > 0 {
			prefix = prefix[:i]
		}
		name = prefix
	}

	// userPrincipalName form "user@tenant" reduces to the local part.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	name = n.renames.Resolve(name)

	if err := ref.ValidateLocalpart(name); err != nil {
		return ref.UserID{}, err
	}
	return ref.MatrixUserID(name, n.server), nil
}
