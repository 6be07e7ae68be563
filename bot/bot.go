// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot runs the administration-room command loop. Operators
// drive the daemon by typing !steward commands into the administration
// room; the bot replies with notices so its answers never trigger
// other bots.
//
// The command surface is a thin parse-and-format layer: all actual
// work happens in the reconcile package.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stewardhq/steward/directory"
	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/messaging"
	"github.com/stewardhq/steward/reconcile"
)

// commandPrefix marks a message as addressed to the daemon.
const commandPrefix = "!steward"

// Service is the reconciliation surface the command loop drives.
// *reconcile.Orchestrator satisfies it.
type Service interface {
	Sync(ctx context.Context, options reconcile.SyncOptions) (*reconcile.Report, error)
	Model(ctx context.Context) (*directory.Model, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	ManagedRooms(ctx context.Context) ([]ref.RoomAlias, error)
	InviteExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error
	KickExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error
	InviteAdmin(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error
	Unmanage(ctx context.Context, alias ref.RoomAlias, successor ref.UserID) error
}

// session is the slice of the Matrix session the bot needs.
// *messaging.Session satisfies it.
type session interface {
	messaging.Syncer
	UserID() ref.UserID
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)
	SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (string, error)
}

type Config struct {
	Service Service
	Session session

	// AdministrationRoom is the only room where commands are honored.
	// A command typed in any other room gets a notice redirecting the
	// sender here instead of being executed.
	AdministrationRoom ref.RoomAlias

	Logger *slog.Logger
}

type Bot struct {
	service   Service
	session   session
	adminRoom ref.RoomAlias
	logger    *slog.Logger
}

func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		service:   cfg.Service,
		session:   cfg.Session,
		adminRoom: cfg.AdministrationRoom,
		logger:    logger,
	}
}

// Run listens for commands until the context is cancelled. Commands
// are handled one at a time, in arrival order; a long-running command
// (sync) delays the next, which is the desired backpressure.
func (b *Bot) Run(ctx context.Context) error {
	roomID, err := b.session.ResolveAlias(ctx, b.adminRoom)
	if err != nil {
		return fmt.Errorf("bot: resolving administration room %s: %w", b.adminRoom, err)
	}
	// The watch spans every joined room so a command typed in the
	// wrong room can be answered with a redirect instead of silence.
	watcher, err := messaging.WatchAllRooms(ctx, b.session, &messaging.SyncFilter{
		TimelineTypes: []string{messaging.EventTypeMessage},
		ExcludeState:  true,
	})
	if err != nil {
		return fmt.Errorf("bot: watching for commands: %w", err)
	}
	b.logger.Info("listening for commands", "room", b.adminRoom)

	for {
		event, err := watcher.WaitForEvent(ctx, b.isCommand)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bot: waiting for command: %w", err)
		}
		var reply string
		if event.RoomID == roomID {
			reply = b.handle(ctx, event)
		} else {
			b.logger.Info("redirecting command from non-administration room",
				"sender", event.Sender, "room", event.RoomID)
			reply = fmt.Sprintf("this is not the administration room; commands go to %s", b.adminRoom)
		}
		if reply == "" {
			continue
		}
		if _, err := b.session.SendMessage(ctx, event.RoomID, messaging.NewNoticeMessage(reply)); err != nil {
			b.logger.Warn("sending command reply", "error", err)
		}
	}
}

// isCommand matches messages from other users that start with the
// command prefix. The bot's own messages, including its notice
// replies, never match.
func (b *Bot) isCommand(event messaging.Event) bool {
	if event.Type != messaging.EventTypeMessage {
		return false
	}
	if event.Sender == b.session.UserID() {
		return false
	}
	fields := strings.Fields(eventBody(event))
	return len(fields) > 0 && fields[0] == commandPrefix
}

func (b *Bot) handle(ctx context.Context, event messaging.Event) string {
	args := strings.Fields(eventBody(event))
	// args[0] is the prefix itself.
	b.logger.Info("handling command", "sender", event.Sender, "command", strings.Join(args, " "))
	return b.dispatch(ctx, args[1:])
}

func eventBody(event messaging.Event) string {
	body, _ := event.Content["body"].(string)
	return body
}
