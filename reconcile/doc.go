// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile drives Matrix rooms toward the membership and
// permission state defined by the identity directory.
//
// The pipeline runs once per cycle: fetch the directory, normalize it
// into room targets, read each room's observed state through the
// RoomController, diff target against observed into an ordered action
// plan, and execute the plan with per-room fault isolation. The
// Orchestrator owns the cycle and enforces single-flight execution —
// overlapping triggers (timer firing during a manual sync) are
// rejected, never queued.
//
// Diffing is pure: DiffRoom takes a target, an observed state, and the
// manual-override sets, and returns a plan without touching the
// network. All Matrix I/O lives behind the RoomController interface so
// the convergence rules can be tested against fakes.
package reconcile
