// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/stewardhq/steward/lib/ref"
)

// ErrUnavailable marks a directory fetch failure: the backend was
// unreachable or returned an unusable response. Callers abort the
// cycle; acting on a partial directory view would remove members the
// fetch missed.
var ErrUnavailable = errors.New("directory unavailable")

// Group is one directory group as reported by a backend, before
// normalization. Backends produce Groups fresh on every fetch; they are
// never mutated, only replaced.
type Group struct {
	// ID is the backend-specific identifier: the Graph object ID or
	// the LDAP DN. Used for error reporting only.
	ID string

	// Name is the decoded room alias string the group maps to, e.g.
	// "#project-x:example.com". For backends without native owner
	// metadata the name may carry an "_owners" marker, which the
	// normalizer strips and folds into the owner set. Not yet
	// validated — decoding failures surface during normalization.
	Name string

	// Members holds raw member usernames (userPrincipalName or the
	// configured LDAP username attribute). Disabled accounts are
	// already filtered out by the backend.
	Members []string

	// Owners holds raw owner usernames, for backends that report
	// ownership directly. Empty for backends using _owners groups.
	Owners []string
}

// Client is the capability interface over a directory backend.
//
// Any error from FetchGroups means the directory was unreachable or
// returned an unusable response; the caller must abort the cycle
// rather than act on a partial view. Per-group problems are not errors
// here — they surface as Model.Skipped entries after normalization.
type Client interface {
	FetchGroups(ctx context.Context) ([]Group, error)
}

// RoomGroup is the target membership for one room: who should be in
// the room and who among them should be an administrator.
// Owners is always a subset of Members.
type RoomGroup struct {
	Members map[ref.UserID]bool
	Owners  map[ref.UserID]bool
}

// Model is the normalized directory state for one reconciliation
// cycle: every validly-named group folded into its room alias, plus
// the groups that could not be decoded.
type Model struct {
	Rooms   map[ref.RoomAlias]*RoomGroup
	Skipped []FormatError
}

// FormatError records a directory group whose identifier could not be
// decoded into a valid room alias. The group is skipped for the cycle;
// the error is carried in the sync report rather than aborting.
type FormatError struct {
	GroupID string
	Name    string
	Err     error
}

func (e FormatError) Error() string {
	return fmt.Sprintf("directory: group %q (%s): %v", e.Name, e.GroupID, e.Err)
}

func (e FormatError) Unwrap() error { return e.Err }
