// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "testing"

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		localpart string
		server    string
	}{
		{name: "simple", raw: "@jdoe:example.com", localpart: "jdoe", server: "example.com"},
		{name: "dotted localpart", raw: "@jane.doe:example.com", localpart: "jane.doe", server: "example.com"},
		{name: "server with port", raw: "@svc:matrix.example.com:8448", localpart: "svc", server: "matrix.example.com:8448"},
		{name: "empty", raw: "", wantErr: true},
		{name: "missing sigil", raw: "jdoe:example.com", wantErr: true},
		{name: "wrong sigil", raw: "#jdoe:example.com", wantErr: true},
		{name: "missing server", raw: "@jdoe", wantErr: true},
		{name: "empty localpart", raw: "@:example.com", wantErr: true},
		{name: "empty server", raw: "@jdoe:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUserID(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseUserID(%q): expected error, got %v", tt.raw, u)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUserID(%q): %v", tt.raw, err)
			}
			if u.String() != tt.raw {
				t.Errorf("String() = %q, want %q", u.String(), tt.raw)
			}
			if u.Localpart() != tt.localpart {
				t.Errorf("Localpart() = %q, want %q", u.Localpart(), tt.localpart)
			}
			if u.Server() != tt.server {
				t.Errorf("Server() = %q, want %q", u.Server(), tt.server)
			}
		})
	}
}

func TestMatrixUserID(t *testing.T) {
	server := MustParseServerName("example.com")
	u := MatrixUserID("jdoe", server)
	if u.String() != "@jdoe:example.com" {
		t.Errorf("MatrixUserID = %q, want %q", u.String(), "@jdoe:example.com")
	}
	if u.IsZero() {
		t.Error("constructed UserID reports IsZero")
	}
}

func TestParseRoomAlias(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		localpart string
		server    string
	}{
		{name: "simple", raw: "#project-x:example.com", localpart: "project-x", server: "example.com"},
		{name: "owners suffix", raw: "#project-x_owners:example.com", localpart: "project-x_owners", server: "example.com"},
		{name: "empty", raw: "", wantErr: true},
		{name: "user sigil", raw: "@project:example.com", wantErr: true},
		{name: "missing server", raw: "#project", wantErr: true},
		{name: "empty localpart", raw: "#:example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseRoomAlias(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRoomAlias(%q): expected error, got %v", tt.raw, a)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoomAlias(%q): %v", tt.raw, err)
			}
			if a.Localpart() != tt.localpart {
				t.Errorf("Localpart() = %q, want %q", a.Localpart(), tt.localpart)
			}
			if a.Server() != tt.server {
				t.Errorf("Server() = %q, want %q", a.Server(), tt.server)
			}
		})
	}
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "simple", raw: "!abc123:example.com"},
		{name: "empty", raw: "", wantErr: true},
		{name: "missing sigil", raw: "abc123:example.com", wantErr: true},
		{name: "missing server", raw: "!abc123", wantErr: true},
		{name: "empty local part", raw: "!:example.com", wantErr: true},
		{name: "empty server", raw: "!abc123:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRoomID(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRoomID(%q): expected error, got %v", tt.raw, r)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoomID(%q): %v", tt.raw, err)
			}
			if r.String() != tt.raw {
				t.Errorf("String() = %q, want %q", r.String(), tt.raw)
			}
		})
	}
}

func TestValidateLocalpart(t *testing.T) {
	valid := []string{"jdoe", "jane.doe", "a-b_c", "user=1", "x/y"}
	for _, lp := range valid {
		if err := ValidateLocalpart(lp); err != nil {
			t.Errorf("ValidateLocalpart(%q): %v", lp, err)
		}
	}
	invalid := []string{"", "JDoe", "jane doe", "jdoe@example.com", "ügur"}
	for _, lp := range invalid {
		if err := ValidateLocalpart(lp); err == nil {
			t.Errorf("ValidateLocalpart(%q): expected error", lp)
		}
	}
}

func TestUserIDTextRoundTrip(t *testing.T) {
	original := MustParseUserID("@jdoe:example.com")
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded UserID
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %v, want %v", decoded, original)
	}

	var zero UserID
	if err := zero.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(empty): %v", err)
	}
	if !zero.IsZero() {
		t.Error("empty input should produce zero value")
	}
	if err := zero.UnmarshalText([]byte("not-a-user-id")); err == nil {
		t.Error("UnmarshalText accepted malformed user ID")
	}
}
