// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API surface that
// Steward needs for room reconciliation and admin-room command intake.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client holding the homeserver URL and HTTP transport. It
// produces authenticated [Session] values via Login or SessionFromToken.
//
// [Session] wraps a Client with an access token for authenticated
// operations: room management (create, join, leave, invite, kick,
// member listing), state events (get/set individual events, full room
// state), plain messages, incremental sync with long-polling, room
// alias resolution, and identity verification (WhoAmI).
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory). The access token
// is locked against swap and excluded from core dumps; callers must
// call Session.Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific error code. Request URLs
// are built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded characters
// (such as room aliases).
//
// [RoomWatcher] captures a position in the /sync stream — for a single
// room or for every joined room — and delivers matching events via
// long-polling. The admin-room command loop is built on it.
package messaging
