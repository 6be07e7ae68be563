// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"testing"

	"github.com/stewardhq/steward/lib/ref"
)

func newTestNormalizer(renames map[string]string) *Normalizer {
	return NewNormalizer(
		ref.MustParseServerName("example.com"),
		NewRenameResolver(renames),
		nil,
	)
}

func TestRenameResolver(t *testing.T) {
	// Config maps new -> old; the resolver translates what the
	// directory reports (the old name) to the current name.
	resolver := NewRenameResolver(map[string]string{"alice.new": "Alice.Old"})

	if got := resolver.Resolve("alice.old"); got != "alice.new" {
		t.Errorf("Resolve(alice.old) = %q, want alice.new", got)
	}
	if got := resolver.Resolve("bob"); got != "bob" {
		t.Errorf("Resolve(bob) = %q, want bob (unchanged)", got)
	}
	// Renames apply once and never chain.
	if got := resolver.Resolve("alice.new"); got != "alice.new" {
		t.Errorf("Resolve(alice.new) = %q, want alice.new", got)
	}
}

func TestNormalizeUsername(t *testing.T) {
	normalizer := newTestNormalizer(map[string]string{"carol": "caroline"})

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain", "alice", "@alice:example.com", false},
		{"uppercase", "Alice", "@alice:example.com", false},
		{"principal name", "alice@tenant.example.com", "@alice:example.com", false},
		{"guest account", "bob_gmail.com#EXT#@tenant.onmicrosoft.com", "@bob:example.com", false},
		{"guest account lowercase marker", "bob_gmail.com#ext#@tenant.onmicrosoft.com", "@bob:example.com", false},
		{"renamed", "caroline@tenant.example.com", "@carol:example.com", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"invalid characters", "al ice", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizer.normalizeUsername(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("normalizeUsername(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeUsername(%q) failed: %v", tt.raw, err)
			}
			if got.String() != tt.want {
				t.Errorf("normalizeUsername(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	alias := ref.MustParseRoomAlias("#project-x:example.com")

	t.Run("owners merged from owner relation", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{{
			ID:      "g1",
			Name:    "#project-x:example.com",
			Members: []string{"alice@tenant.example.com", "bob@tenant.example.com"},
			Owners:  []string{"alice@tenant.example.com"},
		}})

		room := model.Rooms[alias]
		if room == nil {
			t.Fatal("alias missing from model")
		}
		if len(room.Members) != 2 {
			t.Fatalf("expected 2 members, got %d", len(room.Members))
		}
		if !room.Owners[ref.MustParseUserID("@alice:example.com")] {
			t.Error("alice should be an owner")
		}
		if room.Owners[ref.MustParseUserID("@bob:example.com")] {
			t.Error("bob should not be an owner")
		}
	})

	t.Run("owners merged from _owners group", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{
			{ID: "g1", Name: "#project-x:example.com", Members: []string{"alice", "bob"}},
			{ID: "g2", Name: "#project-x_owners:example.com", Members: []string{"alice"}},
		})

		room := model.Rooms[alias]
		if room == nil {
			t.Fatal("alias missing from model")
		}
		if len(model.Rooms) != 1 {
			t.Fatalf("owners group must fold into its room, got %d rooms", len(model.Rooms))
		}
		if !room.Owners[ref.MustParseUserID("@alice:example.com")] {
			t.Error("alice should be an owner via the _owners group")
		}
	})

	t.Run("owners are always members", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{{
			ID:      "g1",
			Name:    "#project-x:example.com",
			Members: []string{"bob"},
			Owners:  []string{"alice"},
		}})

		room := model.Rooms[alias]
		for owner := range room.Owners {
			if !room.Members[owner] {
				t.Errorf("owner %s missing from member set", owner)
			}
		}
	})

	t.Run("groups with same alias are unioned", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{
			{ID: "g1", Name: "#project-x:example.com", Members: []string{"alice"}},
			{ID: "g2", Name: "#project-x:example.com", Members: []string{"bob", "alice"}},
		})

		room := model.Rooms[alias]
		if len(room.Members) != 2 {
			t.Errorf("expected union of 2 members, got %d", len(room.Members))
		}
	})

	t.Run("undecodable group is skipped not fatal", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{
			{ID: "g1", Name: "not-an-alias", Members: []string{"alice"}},
			{ID: "g2", Name: "#project-x:example.com", Members: []string{"bob"}},
		})

		if len(model.Skipped) != 1 {
			t.Fatalf("expected 1 skipped group, got %d", len(model.Skipped))
		}
		if model.Skipped[0].GroupID != "g1" {
			t.Errorf("unexpected skipped group: %s", model.Skipped[0].GroupID)
		}
		if model.Rooms[alias] == nil {
			t.Error("valid group must survive a sibling's format error")
		}
	})

	t.Run("invalid member is dropped not fatal", func(t *testing.T) {
		normalizer := newTestNormalizer(nil)
		model := normalizer.Normalize([]Group{{
			ID:      "g1",
			Name:    "#project-x:example.com",
			Members: []string{"alice", "bad name"},
		}})

		room := model.Rooms[alias]
		if len(room.Members) != 1 {
			t.Errorf("expected 1 member after dropping invalid name, got %d", len(room.Members))
		}
	})
}

func TestDecodeGroupCN(t *testing.T) {
	tests := []struct {
		cn   string
		want string
	}{
		{"xxxteamxxxexample.com", "#team:example.com"},
		{"xxxteam_ownersxxxexample.com", "#team_owners:example.com"},
		{"no-tokens", "no-tokens"},
	}
	for _, tt := range tests {
		if got := decodeGroupCN(tt.cn); got != tt.want {
			t.Errorf("decodeGroupCN(%q) = %q, want %q", tt.cn, got, tt.want)
		}
	}
}
