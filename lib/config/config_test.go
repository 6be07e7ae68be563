// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig is a minimal complete configuration for the LDAP backend.
const validConfig = `
homeserver_url: https://matrix.example.com
server_name: example.com
user_id: "@steward:example.com"
access_token_file: /run/secrets/steward-token
administration_room: "#steward:example.com"
directory:
  type: ldap
  ldap:
    url: ldaps://ldap.example.com
    bind_dn: cn=steward,ou=services,dc=example,dc=com
    bind_password_file: /run/secrets/ldap-password
    group_base_dn: ou=groups,dc=example,dc=com
    user_base_dn: ou=people,dc=example,dc=com
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sync.Interval != "30m" {
		t.Errorf("expected sync.interval=30m, got %s", cfg.Sync.Interval)
	}
	if !cfg.Sync.Cautious {
		t.Error("expected cautious=true by default")
	}
	if cfg.Rooms.HistoryVisibility != "shared" {
		t.Errorf("expected history_visibility=shared, got %s", cfg.Rooms.HistoryVisibility)
	}
	if cfg.Rooms.Permissions.AdminLevel != 100 {
		t.Errorf("expected admin_level=100, got %d", cfg.Rooms.Permissions.AdminLevel)
	}
	if cfg.Directory.LDAP.UsernameAttribute != "uid" {
		t.Errorf("expected username_attribute=uid, got %s", cfg.Directory.LDAP.UsernameAttribute)
	}
}

func TestLoad_RequiresStewardConfig(t *testing.T) {
	origConfig := os.Getenv("STEWARD_CONFIG")
	defer os.Setenv("STEWARD_CONFIG", origConfig)

	os.Unsetenv("STEWARD_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when STEWARD_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "STEWARD_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_WithStewardConfig(t *testing.T) {
	origConfig := os.Getenv("STEWARD_CONFIG")
	defer os.Setenv("STEWARD_CONFIG", origConfig)

	os.Setenv("STEWARD_CONFIG", writeConfig(t, validConfig))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("server_name = %q, want example.com", cfg.ServerName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config failed validation: %v", err)
	}
}

func TestLoadFile_DefaultsPreserved(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Sync.RoomConcurrency != 4 {
		t.Errorf("room_concurrency = %d, want default 4", cfg.Sync.RoomConcurrency)
	}
	if cfg.Directory.LDAP.GroupFilter != "(cn=xxx*)" {
		t.Errorf("group_filter = %q, want default", cfg.Directory.LDAP.GroupFilter)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/steward.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	if _, err := LoadFile(writeConfig(t, "homeserver_url: [unclosed")); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("empty config should fail validation")
	}

	// errors.Join reports every problem at once.
	for _, want := range []string{
		"homeserver_url is required",
		"server_name is required",
		"user_id is required",
		"access_token_file is required",
		"administration_room is required",
		"directory.type is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_BadIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "user id without sigil",
			mutate:  func(c *Config) { c.UserID = "steward:example.com" },
			wantErr: "user_id",
		},
		{
			name:    "admin room without sigil",
			mutate:  func(c *Config) { c.AdministrationRoom = "steward:example.com" },
			wantErr: "administration_room",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Directory.Type = "nis" },
			wantErr: "directory.type",
		},
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.Sync.Interval = "-5m" },
			wantErr: "sync.interval",
		},
		{
			name:    "gibberish interval",
			mutate:  func(c *Config) { c.Sync.Interval = "whenever" },
			wantErr: "sync.interval",
		},
		{
			name:    "bad history visibility",
			mutate:  func(c *Config) { c.Rooms.HistoryVisibility = "secret" },
			wantErr: "rooms.history_visibility",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Sync.RoomConcurrency = 0 },
			wantErr: "sync.room_concurrency",
		},
		{
			name:    "empty rename target",
			mutate:  func(c *Config) { c.RenamedUsers = map[string]string{"new.name": ""} },
			wantErr: "renamed_users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %v does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_GraphBackend(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Directory.Type = BackendGraph
	err = cfg.Validate()
	if err == nil {
		t.Fatal("graph backend without credentials should fail validation")
	}
	for _, want := range []string{
		"directory.graph.client_id",
		"directory.graph.client_secret_file",
		"directory.graph.root_group_id",
		"directory.graph.tenant_id",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%v", want, err)
		}
	}

	cfg.Directory.Graph = GraphConfig{
		TenantID:         "tenant",
		ClientID:         "client",
		ClientSecretFile: "/run/secrets/graph",
		RootGroupID:      "root-group",
		BaseURL:          "https://graph.microsoft.com/v1.0",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("complete graph config failed validation: %v", err)
	}
}

func TestSyncInterval(t *testing.T) {
	cfg := Default()
	if got := cfg.SyncInterval(); got != 30*time.Minute {
		t.Errorf("SyncInterval() = %v, want 30m", got)
	}
	cfg.Sync.Interval = "1h"
	if got := cfg.SyncInterval(); got != time.Hour {
		t.Errorf("SyncInterval() = %v, want 1h", got)
	}
}
