// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory fetches group membership from an identity directory
// and normalizes it into the room-target model that reconciliation
// consumes.
//
// Two backends implement the Client interface: GraphClient (Microsoft
// Graph, client-credentials OAuth2) and LDAPClient (any LDAP server
// with group and user subtrees). Backends return raw Groups; the
// Normalizer turns them into a Model keyed by validated room alias,
// with usernames lowercased, guest-account artifacts stripped, and
// historical renames applied.
//
// The split matters for error semantics: a backend that cannot reach
// its directory returns an error (the whole reconciliation cycle must
// abort — acting on a partial directory view would kick valid members),
// while a single malformed group is recorded in Model.Skipped and the
// cycle continues without it.
package directory
