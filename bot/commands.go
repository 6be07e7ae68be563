// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/reconcile"
)

const usage = `commands:
  help                         show this help
  sync [dry]                   run a reconciliation cycle ("dry" plans without applying)
  idp                          show the room model derived from the identity directory
  joined                       list rooms this account occupies
  managed                      list rooms currently manageable
  invite-member <alias> <user> invite a user from another homeserver as an unmanaged member
  kick-member <alias> <user>   kick an unmanaged member invited this way
  invite-admin <alias> <user>  invite a user from another homeserver as an unmanaged admin
  unmanage <alias> [successor] withdraw from a room, optionally installing a successor admin`

func (b *Bot) dispatch(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return usage
	}
	command, args := args[0], args[1:]
	switch command {
	case "help":
		return usage
	case "sync":
		return b.runSync(ctx, args)
	case "idp":
		return b.runModel(ctx)
	case "joined":
		return b.runJoined(ctx)
	case "managed":
		return b.runManaged(ctx)
	case "invite-member":
		return b.runMemberCommand(ctx, args, b.service.InviteExternal, "invited")
	case "kick-member":
		return b.runMemberCommand(ctx, args, b.service.KickExternal, "kicked")
	case "invite-admin":
		return b.runMemberCommand(ctx, args, b.service.InviteAdmin, "invited as admin")
	case "unmanage":
		return b.runUnmanage(ctx, args)
	default:
		return fmt.Sprintf("unknown command %q\n%s", command, usage)
	}
}

// syncTimeout bounds an operator-triggered cycle so a stalled
// homeserver connection cannot hold the in-progress flag forever.
const syncTimeout = 10 * time.Minute

func (b *Bot) runSync(ctx context.Context, args []string) string {
	// An explicit sync command is an operator decision: kicks are
	// allowed even when the scheduled loop runs in cautious mode. Dry
	// runs plan under the same rules so they preview a real sync.
	cautious := false
	options := reconcile.SyncOptions{Cautious: &cautious}
	if len(args) > 0 {
		if args[0] != "dry" {
			return fmt.Sprintf("unknown sync argument %q; use: sync [dry]", args[0])
		}
		options.DryRun = true
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	report, err := b.service.Sync(ctx, options)
	if err != nil {
		if errors.Is(err, reconcile.ErrSyncInProgress) {
			return "a sync cycle is already running"
		}
		return fmt.Sprintf("sync failed: %v", err)
	}
	return formatReport(report)
}

func (b *Bot) runModel(ctx context.Context) string {
	model, err := b.service.Model(ctx)
	if err != nil {
		return fmt.Sprintf("directory fetch failed: %v", err)
	}
	if len(model.Rooms) == 0 {
		return "the directory maps to no rooms"
	}
	aliases := make([]ref.RoomAlias, 0, len(model.Rooms))
	for alias := range model.Rooms {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		return aliases[i].String() < aliases[j].String()
	})
	var out strings.Builder
	for _, alias := range aliases {
		group := model.Rooms[alias]
		fmt.Fprintf(&out, "%s: %d members, %d owners\n", alias, len(group.Members), len(group.Owners))
	}
	for _, skipped := range model.Skipped {
		fmt.Fprintf(&out, "skipped group %q: %v\n", skipped.Name, skipped.Err)
	}
	return strings.TrimRight(out.String(), "\n")
}

func (b *Bot) runJoined(ctx context.Context) string {
	rooms, err := b.service.JoinedRooms(ctx)
	if err != nil {
		return fmt.Sprintf("listing joined rooms failed: %v", err)
	}
	if len(rooms) == 0 {
		return "not joined to any room"
	}
	lines := make([]string, len(rooms))
	for i, room := range rooms {
		lines[i] = room.String()
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) runManaged(ctx context.Context) string {
	aliases, err := b.service.ManagedRooms(ctx)
	if err != nil {
		return fmt.Sprintf("listing managed rooms failed: %v", err)
	}
	if len(aliases) == 0 {
		return "no rooms are currently manageable"
	}
	lines := make([]string, len(aliases))
	for i, alias := range aliases {
		lines[i] = alias.String()
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) runMemberCommand(ctx context.Context, args []string, action func(context.Context, ref.RoomAlias, ref.UserID) error, done string) string {
	if len(args) != 2 {
		return "usage: <command> <alias> <user>"
	}
	alias, err := ref.ParseRoomAlias(args[0])
	if err != nil {
		return fmt.Sprintf("bad room alias %q: %v", args[0], err)
	}
	user, err := ref.ParseUserID(args[1])
	if err != nil {
		return fmt.Sprintf("bad user ID %q: %v", args[1], err)
	}
	if err := action(ctx, alias, user); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s %s in %s", done, user, alias)
}

func (b *Bot) runUnmanage(ctx context.Context, args []string) string {
	if len(args) < 1 || len(args) > 2 {
		return "usage: unmanage <alias> [successor]"
	}
	alias, err := ref.ParseRoomAlias(args[0])
	if err != nil {
		return fmt.Sprintf("bad room alias %q: %v", args[0], err)
	}
	var successor ref.UserID
	if len(args) == 2 {
		successor, err = ref.ParseUserID(args[1])
		if err != nil {
			return fmt.Sprintf("bad user ID %q: %v", args[1], err)
		}
	}
	if err := b.service.Unmanage(ctx, alias, successor); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("left %s; it will no longer be reconciled", alias)
}

// formatReport renders a cycle report as a readable notice. Rooms
// without changes are summarized in one count rather than listed.
func formatReport(report *reconcile.Report) string {
	var out strings.Builder
	if report.DryRun {
		out.WriteString("dry run, nothing was applied\n")
	}

	quiet := 0
	actions := 0
	failures := 0
	for _, room := range report.Rooms {
		if room.Err == nil && len(room.Applied) == 0 && len(room.Failures) == 0 && len(room.Stale) == 0 {
			quiet++
			continue
		}
		fmt.Fprintf(&out, "%s:\n", room.Alias)
		if room.Err != nil {
			fmt.Fprintf(&out, "  error: %v\n", room.Err)
			continue
		}
		for _, action := range room.Applied {
			fmt.Fprintf(&out, "  %s\n", action)
			actions++
		}
		for _, failure := range room.Failures {
			fmt.Fprintf(&out, "  failed: %s: %v\n", failure.Action, failure.Err)
			failures++
		}
		for _, user := range room.Stale {
			fmt.Fprintf(&out, "  stale: %s (cautious mode, not kicked)\n", user)
		}
	}
	for _, skipped := range report.SkippedGroups {
		fmt.Fprintf(&out, "skipped group %q: %v\n", skipped.Name, skipped.Err)
	}
	fmt.Fprintf(&out, "%d rooms checked, %d in sync, %d actions, %d failures, took %s",
		len(report.Rooms), quiet, actions, failures,
		report.Finished.Sub(report.Started).Round(time.Millisecond))
	return out.String()
}
