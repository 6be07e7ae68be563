// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/directory"
	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/lib/testutil"
	"github.com/stewardhq/steward/messaging"
	"github.com/stewardhq/steward/reconcile"
)

var (
	botUser   = ref.MustParseUserID("@steward:example.com")
	operator  = ref.MustParseUserID("@operator:example.com")
	roomAlias = ref.MustParseRoomAlias("#general:example.com")
	adminRoom = ref.MustParseRoomAlias("#steward-admin:example.com")
)

type fakeService struct {
	syncReport *reconcile.Report
	syncErr    error
	model      *directory.Model

	calls           []string
	syncHadDeadline bool
}

func (f *fakeService) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeService) Sync(ctx context.Context, options reconcile.SyncOptions) (*reconcile.Report, error) {
	_, f.syncHadDeadline = ctx.Deadline()
	if options.Cautious == nil || *options.Cautious {
		f.record("sync cautious")
	}
	f.record("sync dry=%v", options.DryRun)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.syncReport, nil
}

func (f *fakeService) Model(ctx context.Context) (*directory.Model, error) {
	f.record("model")
	return f.model, nil
}

func (f *fakeService) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	f.record("joined")
	return []ref.RoomID{ref.MustParseRoomID("!a:example.com")}, nil
}

func (f *fakeService) ManagedRooms(ctx context.Context) ([]ref.RoomAlias, error) {
	f.record("managed")
	return []ref.RoomAlias{roomAlias}, nil
}

func (f *fakeService) InviteExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	f.record("invite-member %s %s", alias, user)
	return nil
}

func (f *fakeService) KickExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	f.record("kick-member %s %s", alias, user)
	return nil
}

func (f *fakeService) InviteAdmin(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	f.record("invite-admin %s %s", alias, user)
	return nil
}

func (f *fakeService) Unmanage(ctx context.Context, alias ref.RoomAlias, successor ref.UserID) error {
	f.record("unmanage %s %s", alias, successor)
	return nil
}

func newTestBot(service *fakeService) *Bot {
	return New(Config{
		Service:            service,
		Session:            &fakeBotSession{},
		AdministrationRoom: adminRoom,
	})
}

func commandEvent(sender ref.UserID, body string) messaging.Event {
	return messaging.Event{
		Type:    messaging.EventTypeMessage,
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestIsCommand(t *testing.T) {
	bot := newTestBot(&fakeService{})

	tests := []struct {
		name  string
		event messaging.Event
		want  bool
	}{
		{"command", commandEvent(operator, "!steward sync"), true},
		{"leading whitespace", commandEvent(operator, "  !steward help"), true},
		{"chatter", commandEvent(operator, "good morning"), false},
		{"own message", commandEvent(botUser, "!steward sync"), false},
		{"wrong event type", messaging.Event{Type: messaging.EventTypeMember, Sender: operator}, false},
		{"no body", messaging.Event{Type: messaging.EventTypeMessage, Sender: operator, Content: map[string]any{}}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := bot.isCommand(test.event); got != test.want {
				t.Errorf("isCommand = %v, want %v", got, test.want)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("help", func(t *testing.T) {
		bot := newTestBot(&fakeService{})
		reply := bot.dispatch(ctx, []string{"help"})
		if !strings.Contains(reply, "unmanage <alias>") {
			t.Errorf("help output incomplete: %q", reply)
		}
	})

	t.Run("bare prefix shows usage", func(t *testing.T) {
		bot := newTestBot(&fakeService{})
		if reply := bot.dispatch(ctx, nil); !strings.Contains(reply, "commands:") {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		bot := newTestBot(&fakeService{})
		if reply := bot.dispatch(ctx, []string{"explode"}); !strings.Contains(reply, `unknown command "explode"`) {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("sync", func(t *testing.T) {
		service := &fakeService{syncReport: &reconcile.Report{}}
		bot := newTestBot(service)
		bot.dispatch(ctx, []string{"sync"})
		if len(service.calls) != 1 || service.calls[0] != "sync dry=false" {
			t.Errorf("calls = %v", service.calls)
		}
		// A stalled homeserver must not hold the in-progress flag
		// forever: the command bounds the cycle with a deadline.
		if !service.syncHadDeadline {
			t.Error("sync ran without a deadline")
		}
	})

	t.Run("sync dry", func(t *testing.T) {
		service := &fakeService{syncReport: &reconcile.Report{DryRun: true}}
		bot := newTestBot(service)
		reply := bot.dispatch(ctx, []string{"sync", "dry"})
		if service.calls[0] != "sync dry=true" {
			t.Errorf("calls = %v", service.calls)
		}
		if !strings.Contains(reply, "dry run") {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("sync already running", func(t *testing.T) {
		service := &fakeService{syncErr: reconcile.ErrSyncInProgress}
		bot := newTestBot(service)
		if reply := bot.dispatch(ctx, []string{"sync"}); !strings.Contains(reply, "already running") {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("idp", func(t *testing.T) {
		service := &fakeService{model: &directory.Model{
			Rooms: map[ref.RoomAlias]*directory.RoomGroup{
				roomAlias: {
					Members: map[ref.UserID]bool{operator: true},
					Owners:  map[ref.UserID]bool{},
				},
			},
		}}
		bot := newTestBot(service)
		reply := bot.dispatch(ctx, []string{"idp"})
		if !strings.Contains(reply, "#general:example.com: 1 members, 0 owners") {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("invite-member", func(t *testing.T) {
		service := &fakeService{}
		bot := newTestBot(service)
		reply := bot.dispatch(ctx, []string{"invite-member", "#general:example.com", "@visitor:other.org"})
		if len(service.calls) != 1 || service.calls[0] != "invite-member #general:example.com @visitor:other.org" {
			t.Errorf("calls = %v", service.calls)
		}
		if !strings.Contains(reply, "invited") {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("invite-member bad arguments", func(t *testing.T) {
		service := &fakeService{}
		bot := newTestBot(service)
		if reply := bot.dispatch(ctx, []string{"invite-member", "not-an-alias", "@visitor:other.org"}); !strings.Contains(reply, "bad room alias") {
			t.Errorf("reply = %q", reply)
		}
		if reply := bot.dispatch(ctx, []string{"invite-member", "#general:example.com"}); !strings.Contains(reply, "usage:") {
			t.Errorf("reply = %q", reply)
		}
		if len(service.calls) != 0 {
			t.Errorf("bad arguments reached the service: %v", service.calls)
		}
	})

	t.Run("unmanage with successor", func(t *testing.T) {
		service := &fakeService{}
		bot := newTestBot(service)
		bot.dispatch(ctx, []string{"unmanage", "#general:example.com", "@operator:example.com"})
		if len(service.calls) != 1 || service.calls[0] != "unmanage #general:example.com @operator:example.com" {
			t.Errorf("calls = %v", service.calls)
		}
	})
}

func TestFormatReport(t *testing.T) {
	started := time.Now()
	report := &reconcile.Report{
		Started:  started,
		Finished: started.Add(1200 * time.Millisecond),
		Rooms: []reconcile.RoomReport{
			{Alias: roomAlias, Applied: []reconcile.Action{
				{Kind: reconcile.ActionInvite, User: operator},
			}},
			{Alias: ref.MustParseRoomAlias("#quiet:example.com")},
			{Alias: ref.MustParseRoomAlias("#broken:example.com"), Err: errors.New("server timeout")},
		},
	}
	out := formatReport(report)

	if !strings.Contains(out, "invite @operator:example.com") {
		t.Errorf("missing applied action:\n%s", out)
	}
	if strings.Contains(out, "#quiet:example.com") {
		t.Errorf("quiet room listed individually:\n%s", out)
	}
	if !strings.Contains(out, "error: server timeout") {
		t.Errorf("missing room error:\n%s", out)
	}
	if !strings.Contains(out, "3 rooms checked, 1 in sync, 1 actions, 0 failures") {
		t.Errorf("bad summary line:\n%s", out)
	}
}

// sentMessage pairs a reply with the room it was sent to.
type sentMessage struct {
	roomID  ref.RoomID
	content messaging.MessageContent
}

// fakeBotSession scripts the bot's sync stream.
type fakeBotSession struct {
	mu        sync.Mutex
	responses []*messaging.SyncResponse
	calls     int
	sent      []sentMessage
	sentCh    chan sentMessage
}

func (f *fakeBotSession) UserID() ref.UserID { return botUser }

func (f *fakeBotSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	return ref.MustParseRoomID("!admin:example.com"), nil
}

func (f *fakeBotSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	f.mu.Lock()
	index := f.calls
	f.calls++
	f.mu.Unlock()
	if index < len(f.responses) {
		return f.responses[index], nil
	}
	// Script exhausted: behave like a quiet long poll until cancelled.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeBotSession) SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (string, error) {
	message := sentMessage{roomID: roomID, content: content}
	f.mu.Lock()
	f.sent = append(f.sent, message)
	f.mu.Unlock()
	if f.sentCh != nil {
		f.sentCh <- message
	}
	return "$reply", nil
}

func TestRun(t *testing.T) {
	adminRoomID := ref.MustParseRoomID("!admin:example.com")
	session := &fakeBotSession{
		sentCh: make(chan sentMessage, 1),
		responses: []*messaging.SyncResponse{
			{NextBatch: "s1"}, // initial checkpoint sync
			{
				NextBatch: "s2",
				Rooms: messaging.RoomsSection{
					Join: map[ref.RoomID]messaging.JoinedRoom{
						adminRoomID: {Timeline: messaging.TimelineSection{Events: []messaging.Event{
							commandEvent(operator, "hello everyone"),
							commandEvent(operator, "!steward help"),
						}}},
					},
				},
			},
		},
	}
	bot := New(Config{
		Service:            &fakeService{},
		Session:            session,
		AdministrationRoom: adminRoom,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	reply := testutil.RequireReceive(t, session.sentCh, 5*time.Second, "waiting for the help reply")
	if reply.roomID != adminRoomID {
		t.Errorf("reply sent to %s, want %s", reply.roomID, adminRoomID)
	}
	if reply.content.MsgType != "m.notice" {
		t.Errorf("reply msgtype = %q, want m.notice", reply.content.MsgType)
	}
	if !strings.Contains(reply.content.Body, "commands:") {
		t.Errorf("reply body = %q", reply.content.Body)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to stop"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunRedirectsMisplacedCommand(t *testing.T) {
	// A command typed outside the administration room is not executed.
	// The sender gets a notice pointing at the right room instead.
	otherRoomID := ref.MustParseRoomID("!general:example.com")
	session := &fakeBotSession{
		sentCh: make(chan sentMessage, 1),
		responses: []*messaging.SyncResponse{
			{NextBatch: "s1"},
			{
				NextBatch: "s2",
				Rooms: messaging.RoomsSection{
					Join: map[ref.RoomID]messaging.JoinedRoom{
						otherRoomID: {Timeline: messaging.TimelineSection{Events: []messaging.Event{
							commandEvent(operator, "!steward sync"),
						}}},
					},
				},
			},
		},
	}
	service := &fakeService{}
	bot := New(Config{
		Service:            service,
		Session:            session,
		AdministrationRoom: adminRoom,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	reply := testutil.RequireReceive(t, session.sentCh, 5*time.Second, "waiting for the redirect reply")
	if reply.roomID != otherRoomID {
		t.Errorf("redirect sent to %s, want %s", reply.roomID, otherRoomID)
	}
	if reply.content.MsgType != "m.notice" {
		t.Errorf("redirect msgtype = %q, want m.notice", reply.content.MsgType)
	}
	if !strings.Contains(reply.content.Body, adminRoom.String()) {
		t.Errorf("redirect body = %q, want a pointer to %s", reply.content.Body, adminRoom)
	}
	if len(service.calls) != 0 {
		t.Errorf("misplaced command reached the service: %v", service.calls)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to stop"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
