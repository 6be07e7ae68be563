// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"sync"

	"github.com/stewardhq/steward/lib/ref"
)

// MemberRegistry records the manual overrides that exempt users and
// rooms from directory-driven reconciliation: externally-unmanaged
// members (invited by command, never auto-kicked), unmanaged admins
// (granted admin by command, never kicked or demoted), and rooms
// excluded from management entirely via unmanage.
//
// The registry is process-lifetime state. Pins only suppress actions;
// they never grant membership — a pinned user who also appears in the
// directory is treated as an ordinary target member, and the pin
// matters again only if the directory drops them.
//
// Safe for concurrent use: commands mutate it while a sync cycle reads.
type MemberRegistry struct {
	mu       sync.Mutex
	pinned   map[ref.RoomAlias]map[ref.UserID]bool
	admins   map[ref.RoomAlias]map[ref.UserID]bool
	excluded map[ref.RoomAlias]bool
}

func NewMemberRegistry() *MemberRegistry {
	return &MemberRegistry{
		pinned:   make(map[ref.RoomAlias]map[ref.UserID]bool),
		admins:   make(map[ref.RoomAlias]map[ref.UserID]bool),
		excluded: make(map[ref.RoomAlias]bool),
	}
}

// PinMember marks a user as an externally-unmanaged member of a room.
func (r *MemberRegistry) PinMember(alias ref.RoomAlias, user ref.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned[alias] == nil {
		r.pinned[alias] = make(map[ref.UserID]bool)
	}
	r.pinned[alias][user] = true
}

// UnpinMember removes an externally-unmanaged member pin.
func (r *MemberRegistry) UnpinMember(alias ref.RoomAlias, user ref.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pinned[alias], user)
}

// PinAdmin marks a user as an unmanaged admin of a room.
func (r *MemberRegistry) PinAdmin(alias ref.RoomAlias, user ref.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admins[alias] == nil {
		r.admins[alias] = make(map[ref.UserID]bool)
	}
	r.admins[alias][user] = true
}

// Overrides returns copies of the pinned-member and unmanaged-admin
// sets for a room, safe to read during a cycle while commands mutate
// the registry.
func (r *MemberRegistry) Overrides(alias ref.RoomAlias) (pinned, admins map[ref.UserID]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pinned = make(map[ref.UserID]bool, len(r.pinned[alias]))
	for user := range r.pinned[alias] {
		pinned[user] = true
	}
	admins = make(map[ref.UserID]bool, len(r.admins[alias]))
	for user := range r.admins[alias] {
		admins[user] = true
	}
	return pinned, admins
}

// Exclude removes a room from management. Subsequent cycles skip it
// entirely.
func (r *MemberRegistry) Exclude(alias ref.RoomAlias) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded[alias] = true
}

// Excluded reports whether a room was unmanaged by command.
func (r *MemberRegistry) Excluded(alias ref.RoomAlias) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excluded[alias]
}
