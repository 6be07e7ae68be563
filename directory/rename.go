// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import "strings"

// RenameResolver maps historical directory usernames to the current
// usernames their Matrix accounts carry. Matrix user IDs cannot be
// renamed, so when a person's directory username changes, the
// directory keeps reporting the new name while the Matrix account
// stays on the old localpart — or vice versa. The configuration
// records renames as new -> old; resolution consumes the mapping in
// reverse, translating whatever the directory reports into the name
// the Matrix account actually has.
//
// RenameResolver is immutable after construction and safe for
// concurrent use.
type RenameResolver struct {
	oldToNew map[string]string
}

// NewRenameResolver builds a resolver from the configured new -> old
// mapping. Names are compared case-insensitively; the resolver stores
// lowercase forms.
func NewRenameResolver(renamedUsers map[string]string) *RenameResolver {
	inverted := make(map[string]string, len(renamedUsers))
	for newName, oldName := range renamedUsers {
		inverted[strings.ToLower(oldName)] = strings.ToLower(newName)
	}
	return &RenameResolver{oldToNew: inverted}
}

// Resolve translates a directory username to its current form. A
// username with no rename entry is returned unchanged. Applied exactly
// once per username — renames do not chain.
func (r *RenameResolver) Resolve(username string) string {
	if current, ok := r.oldToNew[username]; ok {
		return current
	}
	return username
}
