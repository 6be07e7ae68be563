// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values: user IDs, room IDs, room aliases, and server names.
//
// Steward moves identifiers across three boundaries — directory
// lookups, configuration, and the Matrix client-server API — and each
// boundary parses raw strings into these types exactly once. Past the
// boundary, code passes validated values and never re-checks format.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable. The canonical
// serialization form is the full Matrix identifier (@localpart:server
// for users, #localpart:server for aliases); JSON marshaling uses this
// form via encoding.TextMarshaler.
package ref
