// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stewardhq/steward/lib/ref"
)

// Directory backend types accepted in directory.type.
const (
	BackendGraph = "graph"
	BackendLDAP  = "ldap"
)

// History visibility values accepted in rooms.history_visibility,
// mirroring the m.room.history_visibility state event.
var historyVisibilities = []string{"invited", "joined", "shared", "world_readable"}

// Config is the master configuration for the Steward daemon.
type Config struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "https://matrix.example.com").
	HomeserverURL string `yaml:"homeserver_url"`

	// ServerName is the Matrix server name that appears in user IDs
	// and room aliases managed by this daemon (e.g., "example.com").
	// Only accounts and aliases on this server are eligible for
	// automated membership changes.
	ServerName string `yaml:"server_name"`

	// UserID is the full Matrix user ID of the daemon's account
	// (e.g., "@steward:example.com").
	UserID string `yaml:"user_id"`

	// AccessTokenFile is the path to a file holding the Matrix access
	// token for UserID. Use "-" to read the token from stdin.
	AccessTokenFile string `yaml:"access_token_file"`

	// AdministrationRoom is the alias of the room from which admin
	// commands are accepted. The room itself is never reconciled.
	AdministrationRoom string `yaml:"administration_room"`

	// Directory configures the identity directory backend.
	Directory DirectoryConfig `yaml:"directory"`

	// Sync configures the reconciliation loop.
	Sync SyncConfig `yaml:"sync"`

	// Rooms configures the desired state applied to managed rooms.
	Rooms RoomsConfig `yaml:"rooms"`

	// RenamedUsers maps new directory usernames to the old usernames
	// their Matrix accounts still carry. Keyed new -> old; membership
	// resolution consumes the mapping in reverse.
	RenamedUsers map[string]string `yaml:"renamed_users"`
}

// DirectoryConfig selects and configures the identity directory backend.
type DirectoryConfig struct {
	// Type selects the backend: "graph" or "ldap".
	Type string `yaml:"type"`

	// Graph configures the MS Graph backend (used when Type is "graph").
	Graph GraphConfig `yaml:"graph"`

	// LDAP configures the LDAP backend (used when Type is "ldap").
	LDAP LDAPConfig `yaml:"ldap"`
}

// GraphConfig configures the MS Graph directory backend.
type GraphConfig struct {
	// TenantID is the directory tenant used to build the OAuth2
	// token endpoint.
	TenantID string `yaml:"tenant_id"`

	// ClientID identifies the application registration.
	ClientID string `yaml:"client_id"`

	// ClientSecretFile is the path to a file holding the application
	// client secret.
	ClientSecretFile string `yaml:"client_secret_file"`

	// RootGroupID is the object ID of the group whose member groups
	// define the managed rooms.
	RootGroupID string `yaml:"root_group_id"`

	// BaseURL overrides the Graph API base URL. Defaults to the
	// public cloud endpoint; set for tests or sovereign clouds.
	BaseURL string `yaml:"base_url"`

	// TokenURL overrides the OAuth2 token endpoint. Derived from
	// TenantID when empty; set for tests.
	TokenURL string `yaml:"token_url"`
}

// LDAPConfig configures the LDAP directory backend.
type LDAPConfig struct {
	// URL is the LDAP server URL (e.g., "ldaps://ldap.example.com").
	URL string `yaml:"url"`

	// BindDN is the DN used to bind for searches.
	BindDN string `yaml:"bind_dn"`

	// BindPasswordFile is the path to a file holding the bind password.
	BindPasswordFile string `yaml:"bind_password_file"`

	// GroupBaseDN is the subtree searched for room groups.
	GroupBaseDN string `yaml:"group_base_dn"`

	// UserBaseDN is the subtree searched for group members.
	UserBaseDN string `yaml:"user_base_dn"`

	// GroupFilter selects room groups under GroupBaseDN. The default
	// matches CNs carrying the xxx alias encoding.
	GroupFilter string `yaml:"group_filter"`

	// UserFilter is ANDed with the memberOf clause when searching for
	// group members.
	UserFilter string `yaml:"user_filter"`

	// UsernameAttribute is the attribute holding the Matrix-relevant
	// username. Default "uid".
	UsernameAttribute string `yaml:"username_attribute"`

	// ConnectTimeout bounds dialing the LDAP server. Default "10s".
	ConnectTimeout string `yaml:"connect_timeout"`
}

// SyncConfig configures the reconciliation loop.
type SyncConfig struct {
	// Interval is the period between automatic reconciliation cycles.
	// Default "30m".
	Interval string `yaml:"interval"`

	// Cautious disables automatic kicks: stale members are reported
	// but never removed. Default true.
	Cautious bool `yaml:"cautious"`

	// RoomConcurrency bounds how many rooms are reconciled in
	// parallel within one cycle. Default 4.
	RoomConcurrency int `yaml:"room_concurrency"`
}

// RoomsConfig describes the desired state applied to every managed room.
type RoomsConfig struct {
	// HistoryVisibility is the m.room.history_visibility value
	// enforced on managed rooms. Default "shared".
	HistoryVisibility string `yaml:"history_visibility"`

	// EncryptOnCreation enables m.room.encryption on rooms the daemon
	// creates. Encryption is never enabled on existing rooms and can
	// never be removed.
	EncryptOnCreation bool `yaml:"encrypt_on_creation"`

	// Permissions is the power-level schema enforced on managed rooms.
	Permissions Permissions `yaml:"permissions"`
}

// Permissions is the power-level schema for managed rooms. Field names
// follow the m.room.power_levels event content.
type Permissions struct {
	// AdminLevel is the power level granted to room owners. Default 100.
	AdminLevel int `yaml:"admin_level"`

	// MemberLevel is the power level granted to ordinary target
	// members. Default 0.
	MemberLevel int `yaml:"member_level"`

	UsersDefault  int `yaml:"users_default"`
	EventsDefault int `yaml:"events_default"`
	StateDefault  int `yaml:"state_default"`
	Invite        int `yaml:"invite"`
	Kick          int `yaml:"kick"`
	Ban           int `yaml:"ban"`
	Redact        int `yaml:"redact"`

	// Events maps event types to the minimum level required to send
	// them (e.g., "m.room.name": 50).
	Events map[string]int `yaml:"events"`
}

// Default returns the default configuration. These defaults are used as
// a base before loading the config file. They exist to give optional
// fields sensible values — the config file itself is required.
func Default() *Config {
	return &Config{
		Directory: DirectoryConfig{
			Graph: GraphConfig{
				BaseURL: "https://graph.microsoft.com/v1.0",
			},
			LDAP: LDAPConfig{
				GroupFilter:       "(cn=xxx*)",
				UserFilter:        "(objectClass=person)",
				UsernameAttribute: "uid",
				ConnectTimeout:    "10s",
			},
		},
		Sync: SyncConfig{
			Interval:        "30m",
			Cautious:        true,
			RoomConcurrency: 4,
		},
		Rooms: RoomsConfig{
			HistoryVisibility: "shared",
			EncryptOnCreation: true,
			Permissions: Permissions{
				AdminLevel:    100,
				MemberLevel:   0,
				UsersDefault:  0,
				EventsDefault: 0,
				StateDefault:  50,
				Invite:        50,
				Kick:          50,
				Ban:           50,
				Redact:        50,
			},
		},
	}
}

// Load loads configuration from the STEWARD_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults — if STEWARD_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("STEWARD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STEWARD_CONFIG environment variable not set; " +
			"set it to the path of your steward.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth: environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for completeness and consistency.
// All problems are reported at once via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url is required"))
	}
	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	} else if _, err := ref.ParseServerName(c.ServerName); err != nil {
		errs = append(errs, fmt.Errorf("server_name: %w", err))
	}
	if c.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required"))
	} else if _, err := ref.ParseUserID(c.UserID); err != nil {
		errs = append(errs, fmt.Errorf("user_id: %w", err))
	}
	if c.AccessTokenFile == "" {
		errs = append(errs, fmt.Errorf("access_token_file is required"))
	}
	if c.AdministrationRoom == "" {
		errs = append(errs, fmt.Errorf("administration_room is required"))
	} else if _, err := ref.ParseRoomAlias(c.AdministrationRoom); err != nil {
		errs = append(errs, fmt.Errorf("administration_room: %w", err))
	}

	switch c.Directory.Type {
	case BackendGraph:
		g := c.Directory.Graph
		if g.ClientID == "" {
			errs = append(errs, fmt.Errorf("directory.graph.client_id is required"))
		}
		if g.ClientSecretFile == "" {
			errs = append(errs, fmt.Errorf("directory.graph.client_secret_file is required"))
		}
		if g.RootGroupID == "" {
			errs = append(errs, fmt.Errorf("directory.graph.root_group_id is required"))
		}
		if g.TenantID == "" && g.TokenURL == "" {
			errs = append(errs, fmt.Errorf("directory.graph.tenant_id is required when token_url is not set"))
		}
	case BackendLDAP:
		l := c.Directory.LDAP
		if l.URL == "" {
			errs = append(errs, fmt.Errorf("directory.ldap.url is required"))
		}
		if l.BindDN == "" {
			errs = append(errs, fmt.Errorf("directory.ldap.bind_dn is required"))
		}
		if l.BindPasswordFile == "" {
			errs = append(errs, fmt.Errorf("directory.ldap.bind_password_file is required"))
		}
		if l.GroupBaseDN == "" {
			errs = append(errs, fmt.Errorf("directory.ldap.group_base_dn is required"))
		}
		if l.UserBaseDN == "" {
			errs = append(errs, fmt.Errorf("directory.ldap.user_base_dn is required"))
		}
		if _, err := time.ParseDuration(l.ConnectTimeout); err != nil {
			errs = append(errs, fmt.Errorf("directory.ldap.connect_timeout: %w", err))
		}
	case "":
		errs = append(errs, fmt.Errorf("directory.type is required (%q or %q)", BackendGraph, BackendLDAP))
	default:
		errs = append(errs, fmt.Errorf("directory.type %q is not supported (%q or %q)", c.Directory.Type, BackendGraph, BackendLDAP))
	}

	if interval, err := time.ParseDuration(c.Sync.Interval); err != nil {
		errs = append(errs, fmt.Errorf("sync.interval: %w", err))
	} else if interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.RoomConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.room_concurrency must be at least 1, got %d", c.Sync.RoomConcurrency))
	}

	if !contains(historyVisibilities, c.Rooms.HistoryVisibility) {
		errs = append(errs, fmt.Errorf("rooms.history_visibility must be one of: %v", historyVisibilities))
	}

	for newName, oldName := range c.RenamedUsers {
		if newName == "" || oldName == "" {
			errs = append(errs, fmt.Errorf("renamed_users entries must have non-empty names (%q: %q)", newName, oldName))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SyncInterval returns the parsed sync.interval. Call Validate first;
// an unparseable value falls back to the default.
func (c *Config) SyncInterval() time.Duration {
	interval, err := time.ParseDuration(c.Sync.Interval)
	if err != nil || interval <= 0 {
		return 30 * time.Minute
	}
	return interval
}

// LDAPConnectTimeout returns the parsed directory.ldap.connect_timeout.
// Call Validate first; an unparseable value falls back to the default.
func (c *Config) LDAPConnectTimeout() time.Duration {
	timeout, err := time.ParseDuration(c.Directory.LDAP.ConnectTimeout)
	if err != nil || timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

func contains(slice []string, s string) bool {
	for _, candidate := range slice {
		if candidate == s {
			return true
		}
	}
	return false
}
