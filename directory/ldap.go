// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/stewardhq/steward/lib/config"
	"github.com/stewardhq/steward/lib/secret"
)

// aliasEscapeToken is the placeholder LDAP group CNs use for the '#'
// and ':' characters of a room alias, which are not safe in a CN. The
// first occurrence decodes to '#', the second to ':', so the group
// "xxxteamxxxexample.com" names the room "#team:example.com".
const aliasEscapeToken = "xxx"

// lockAttribute marks disabled accounts in 389-DS/FreeIPA style
// directories. Locked users are excluded from the target membership.
const lockAttribute = "nsAccountLock"

// LDAPClient fetches group membership from an LDAP directory. Room
// groups live under a group subtree with aliases encoded in the CN;
// a parallel "_owners" group per room names its administrators.
type LDAPClient struct {
	cfg            config.LDAPConfig
	bindPassword   *secret.Buffer
	connectTimeout time.Duration
	logger         *slog.Logger
}

// NewLDAPClient creates an LDAP backend. It does not connect — each
// FetchGroups dials, binds, searches, and disconnects, so a restarted
// directory server needs no client-side recovery. The client keeps a
// reference to the bind password buffer; the caller must not close it
// while the client is in use.
func NewLDAPClient(cfg config.LDAPConfig, bindPassword *secret.Buffer, connectTimeout time.Duration, logger *slog.Logger) *LDAPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LDAPClient{
		cfg:            cfg,
		bindPassword:   bindPassword,
		connectTimeout: connectTimeout,
		logger:         logger,
	}
}

// FetchGroups searches the group subtree for room groups and resolves
// each one's members via a memberOf search in the user subtree. Any
// search failure aborts the fetch.
func (c *LDAPClient) FetchGroups(ctx context.Context) ([]Group, error) {
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: c.connectTimeout}))
	if err != nil {
		return nil, fmt.Errorf("directory: dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()
	conn.SetTimeout(c.connectTimeout)

	if err := conn.Bind(c.cfg.BindDN, c.bindPassword.String()); err != nil {
		return nil, fmt.Errorf("directory: binding as %s: %w", c.cfg.BindDN, err)
	}

	groupSearch := ldap.NewSearchRequest(
		c.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		"(&(objectClass=*)"+c.cfg.GroupFilter+")",
		[]string{"cn"},
		nil,
	)
	result, err := conn.Search(groupSearch)
	if err != nil {
		return nil, fmt.Errorf("directory: searching groups under %s: %w", c.cfg.GroupBaseDN, err)
	}

	var groups []Group
	for _, entry := range result.Entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("directory: fetch cancelled: %w", err)
		}
		members, err := c.groupMembers(conn, entry.DN)
		if err != nil {
			return nil, fmt.Errorf("directory: members of %s: %w", entry.DN, err)
		}
		groups = append(groups, Group{
			ID:      entry.DN,
			Name:    decodeGroupCN(entry.GetAttributeValue("cn")),
			Members: members,
		})
	}

	c.logger.Debug("fetched directory groups from ldap", "groups", len(groups))
	return groups, nil
}

// groupMembers searches the user subtree for entries whose memberOf
// includes the group DN, skipping locked accounts. Nested groups are
// expected to be flattened by the server (memberOf plugins do this);
// the normalizer only deduplicates.
func (c *LDAPClient) groupMembers(conn *ldap.Conn, groupDN string) ([]string, error) {
	filter := "(&(memberOf=" + ldap.EscapeFilter(groupDN) + ")" + c.cfg.UserFilter + ")"
	userSearch := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{c.cfg.UsernameAttribute, lockAttribute},
		nil,
	)
	result, err := conn.Search(userSearch)
	if err != nil {
		return nil, err
	}

	var members []string
	for _, entry := range result.Entries {
		if strings.EqualFold(entry.GetAttributeValue(lockAttribute), "true") {
			continue
		}
		username := entry.GetAttributeValue(c.cfg.UsernameAttribute)
		if username == "" {
			c.logger.Warn("ldap user entry missing username attribute",
				"dn", entry.DN,
				"attribute", c.cfg.UsernameAttribute,
			)
			continue
		}
		members = append(members, username)
	}
	return members, nil
}

// decodeGroupCN reverses the CN alias encoding: the first escape token
// becomes '#', the second ':'. A CN without tokens passes through and
// fails alias validation during normalization.
func decodeGroupCN(cn string) string {
	decoded := strings.Replace(cn, aliasEscapeToken, "#", 1)
	return strings.Replace(decoded, aliasEscapeToken, ":", 1)
}
