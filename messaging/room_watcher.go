// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stewardhq/steward/lib/ref"
)

// Syncer is the subset of Session a RoomWatcher needs. Session.Sync is
// stateless (the since token travels as a query parameter), so any
// implementation with the same contract works — tests use fakes.
type Syncer interface {
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

// SyncFilter configures what events a RoomWatcher receives from /sync.
// The watched room is always included automatically — callers never
// need to specify the room ID in the filter.
//
// A nil *SyncFilter means "all events from the watched room" (state
// and timeline).
type SyncFilter struct {
	// TimelineTypes restricts timeline events to these Matrix event types
	// (e.g., "m.room.message"). An empty slice means all timeline types.
	TimelineTypes []string `json:"timeline_types,omitempty"`

	// TimelineLimit caps the number of timeline events per /sync response.
	// Zero means no explicit limit (server default).
	TimelineLimit int `json:"timeline_limit,omitempty"`

	// ExcludeState suppresses state events from the /sync response.
	// When true, only timeline events matching TimelineTypes are returned.
	ExcludeState bool `json:"exclude_state,omitempty"`
}

// buildInlineFilter constructs the inline JSON filter string for /sync.
// A non-zero roomID scopes the filter to that room; a zero roomID
// leaves the room list open so events from every joined room pass.
// Additional restrictions from the SyncFilter (event types, limits,
// state suppression) are merged in.
func buildInlineFilter(roomID ref.RoomID, filter *SyncFilter) string {
	roomFilter := map[string]any{}
	if !roomID.IsZero() {
		roomFilter["rooms"] = []string{roomID.String()}
	}

	if filter != nil {
		if len(filter.TimelineTypes) > 0 {
			timeline := map[string]any{"types": filter.TimelineTypes}
			if filter.TimelineLimit > 0 {
				timeline["limit"] = filter.TimelineLimit
			}
			roomFilter["timeline"] = timeline
		} else if filter.TimelineLimit > 0 {
			roomFilter["timeline"] = map[string]any{"limit": filter.TimelineLimit}
		}

		if filter.ExcludeState {
			roomFilter["state"] = map[string]any{"types": []string{}}
		}
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// RoomWatcher captures a position in the Matrix /sync stream, scoped
// either to a single room (WatchRoom) or to every joined room
// (WatchAllRooms). Create one BEFORE triggering the action that
// generates the expected event, then call WaitForEvent to receive
// events arriving after the checkpoint.
//
// All waiting uses Matrix /sync long-polling: the server holds the
// connection until new events arrive, then returns immediately. There
// is no client-side polling interval.
//
// RoomWatcher is not safe for concurrent use by multiple goroutines.
// For fan-out, create multiple independent watchers — each maintains
// its own sync position on the same Session.
type RoomWatcher struct {
	session   Syncer
	roomID    ref.RoomID
	filter    string  // /sync filter (inline JSON)
	nextBatch string  // sync token at the captured position
	pending   []Event // events received but not yet consumed
}

// WatchRoom captures the current position in the Matrix /sync stream.
// The returned RoomWatcher only sees events arriving after this call.
//
// This performs an immediate /sync (timeout=0) to obtain the current
// next_batch token without blocking. The token anchors all subsequent
// long-poll calls.
//
// The /sync filter is always scoped to the watched room. Pass nil for
// the filter to receive all event types (state + timeline). Pass a
// SyncFilter to restrict event types or suppress state events.
func WatchRoom(ctx context.Context, session Syncer, roomID ref.RoomID, filter *SyncFilter) (*RoomWatcher, error) {
	if roomID.IsZero() {
		return nil, fmt.Errorf("messaging: WatchRoom requires a non-zero room ID")
	}
	return watch(ctx, session, roomID, filter)
}

// WatchAllRooms captures the current /sync position across every room
// the account occupies. Events returned by WaitForEvent carry the room
// they arrived in, so callers can route by room. Use this for surfaces
// that must notice activity outside a single room, like a command
// listener that redirects misplaced commands.
func WatchAllRooms(ctx context.Context, session Syncer, filter *SyncFilter) (*RoomWatcher, error) {
	return watch(ctx, session, ref.RoomID{}, filter)
}

func watch(ctx context.Context, session Syncer, roomID ref.RoomID, filter *SyncFilter) (*RoomWatcher, error) {
	inlineFilter := buildInlineFilter(roomID, filter)
	response, err := session.Sync(ctx, SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     inlineFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: initial sync for room watch: %w", err)
	}
	return &RoomWatcher{
		session:   session,
		roomID:    roomID,
		filter:    inlineFilter,
		nextBatch: response.NextBatch,
	}, nil
}

// maxSyncRetries is the number of consecutive /sync failures allowed
// before WaitForEvent returns an error. Each retry uses a 1-second
// server-side timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for normal /sync calls. The server holds the connection
// for up to this duration, returning immediately when new events
// arrive. 30 seconds matches the Matrix client-server spec
// recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after
// a /sync error. Short so the retry completes quickly and the next
// attempt can proceed.
const retryTimeout = 1000

// WaitForEvent blocks until an event matching the predicate arrives in
// the watched scope. Each event carries the room it arrived in, which
// matters for all-rooms watchers. Events are buffered: when a /sync response
// delivers multiple events, all are stored in pending. The predicate
// scans pending events before issuing a new /sync, so events are never
// dropped when multiple matching events arrive in the same batch.
//
// Uses a 30-second server-side long-poll hold. Bounded by ctx. On
// transient /sync errors, retries up to 5 times with 1-second server
// timeout (the HTTP round-trip provides backoff). Resets idle
// connections on error if the session supports it.
func (w *RoomWatcher) WaitForEvent(ctx context.Context, predicate func(Event) bool) (Event, error) {
	var syncRetries int

	// Scan any events already pending from previous WaitForEvent calls
	// before entering the sync loop. This handles the case where a prior
	// sync delivered multiple matching events — the first WaitForEvent
	// consumed one, and this call must find the other.
	for i, event := range w.pending {
		if predicate(event) {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return event, nil
		}
	}

	for {
		// On retry after a sync error, use a short server-side
		// timeout (1s) so the HTTP round-trip itself provides
		// backoff. On first attempt or after success, use the
		// normal 30s long-poll hold.
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := w.session.Sync(ctx, SyncOptions{
			Since:      w.nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     w.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, fmt.Errorf("context cancelled waiting for event in %s: %w", w.scope(), ctx.Err())
			}
			syncRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool. Drop idle
			// connections so the next attempt opens a fresh socket.
			if closer, ok := w.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			if syncRetries > maxSyncRetries {
				return Event{}, fmt.Errorf("sync failed %d consecutive times waiting for event in %s: %w",
					syncRetries, w.scope(), err)
			}
			slog.Debug("room watcher sync error, retrying",
				"scope", w.scope(),
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0
		w.nextBatch = response.NextBatch

		newEvents := w.collect(response)
		if len(newEvents) == 0 {
			continue
		}

		// Append new events to pending and scan the entire buffer.
		w.pending = append(w.pending, newEvents...)

		for i, event := range w.pending {
			if predicate(event) {
				w.pending = append(w.pending[:i], w.pending[i+1:]...)
				return event, nil
			}
		}
	}
}

// collect extracts the new events from a /sync response, stamping each
// with the room it arrived in. A room-scoped watcher reads only the
// watched room; an all-rooms watcher reads every joined room, in room
// ID order so batches are deterministic. State events come before
// timeline events to match the delivery order from the Matrix server.
func (w *RoomWatcher) collect(response *SyncResponse) []Event {
	var events []Event
	appendRoom := func(roomID ref.RoomID, room JoinedRoom) {
		for _, event := range room.State.Events {
			event.RoomID = roomID
			events = append(events, event)
		}
		for _, event := range room.Timeline.Events {
			event.RoomID = roomID
			events = append(events, event)
		}
	}

	if !w.roomID.IsZero() {
		if room, ok := response.Rooms.Join[w.roomID]; ok {
			appendRoom(w.roomID, room)
		}
		return events
	}

	roomIDs := make([]ref.RoomID, 0, len(response.Rooms.Join))
	for roomID := range response.Rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Slice(roomIDs, func(i, j int) bool { return roomIDs[i].String() < roomIDs[j].String() })
	for _, roomID := range roomIDs {
		appendRoom(roomID, response.Rooms.Join[roomID])
	}
	return events
}

func (w *RoomWatcher) scope() string {
	if w.roomID.IsZero() {
		return "all rooms"
	}
	return fmt.Sprintf("room %s", w.roomID)
}

// SyncPosition returns the current sync stream position token.
func (w *RoomWatcher) SyncPosition() string {
	return w.nextBatch
}

// RoomID returns the room being watched. Zero for an all-rooms watcher.
func (w *RoomWatcher) RoomID() ref.RoomID {
	return w.roomID
}
