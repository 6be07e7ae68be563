// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stewardhq/steward/directory"
	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/messaging"
)

// ErrSyncInProgress is returned when a sync cycle is triggered while
// another is running. Triggers are rejected, never queued.
var ErrSyncInProgress = errors.New("reconcile: sync already in progress")

// OrchestratorConfig collects the dependencies and settings of an
// Orchestrator.
type OrchestratorConfig struct {
	Controller RoomController
	Directory  directory.Client
	Normalizer *directory.Normalizer
	Registry   *MemberRegistry
	Policy     Policy

	// Server is the managed homeserver: only aliases and accounts on
	// it are eligible for automated changes.
	Server ref.ServerName

	// AdministrationRoom is never reconciled.
	AdministrationRoom ref.RoomAlias

	// Cautious suppresses all automatic kicks.
	Cautious bool

	// RoomConcurrency bounds parallel room reconciliation. Values
	// below 1 are treated as 1.
	RoomConcurrency int

	Logger *slog.Logger
}

// Orchestrator runs reconciliation cycles: fetch, normalize, resolve,
// diff, execute, report. At most one cycle runs at a time.
type Orchestrator struct {
	controller  RoomController
	directory   directory.Client
	normalizer  *directory.Normalizer
	registry    *MemberRegistry
	policy      Policy
	server      ref.ServerName
	adminRoom   ref.RoomAlias
	cautious    bool
	concurrency int
	logger      *slog.Logger

	syncing atomic.Bool
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.RoomConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewMemberRegistry()
	}
	return &Orchestrator{
		controller:  cfg.Controller,
		directory:   cfg.Directory,
		normalizer:  cfg.Normalizer,
		registry:    registry,
		policy:      cfg.Policy,
		server:      cfg.Server,
		adminRoom:   cfg.AdministrationRoom,
		cautious:    cfg.Cautious,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Registry exposes the manual-override registry for the command layer.
func (o *Orchestrator) Registry() *MemberRegistry { return o.registry }

// SyncOptions controls one cycle.
type SyncOptions struct {
	// DryRun runs the full pipeline but applies nothing; the report
	// lists what would have been done.
	DryRun bool

	// Cautious overrides the configured cautious mode when set.
	Cautious *bool
}

// Sync runs one reconciliation cycle. Returns ErrSyncInProgress when
// a cycle is already running. A directory fetch failure aborts the
// whole cycle with an error and no room is touched; every failure
// below that level is isolated into the report.
func (o *Orchestrator) Sync(ctx context.Context, options SyncOptions) (*Report, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	report := &Report{DryRun: options.DryRun, Started: time.Now()}
	defer func() { report.Finished = time.Now() }()

	cautious := o.cautious
	if options.Cautious != nil {
		cautious = *options.Cautious
	}

	model, err := o.fetchModel(ctx)
	if err != nil {
		return nil, err
	}
	report.SkippedGroups = model.Skipped

	targets, err := o.resolveTargets(ctx, model)
	if err != nil {
		return nil, err
	}

	o.logger.Info("starting reconciliation cycle",
		"rooms", len(targets),
		"dry_run", options.DryRun,
		"cautious", cautious,
	)

	// Rooms reconcile in parallel, bounded by the configured
	// concurrency. Each room is isolated: its failures land in its
	// own report entry and never abort the others.
	reports := make([]RoomReport, len(targets))
	semaphore := make(chan struct{}, o.concurrency)
	var group sync.WaitGroup
	for i, target := range targets {
		i, target := i, target
		group.Add(1)
		go func() {
			defer group.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			reports[i] = o.syncRoom(ctx, target, cautious, options.DryRun)
		}()
	}
	group.Wait()

	report.Rooms = reports
	o.logger.Info("reconciliation cycle finished",
		"rooms", len(report.Rooms),
		"failed", report.Failed(),
		"duration", report.Finished.Sub(report.Started),
	)
	return report, nil
}

// fetchModel fetches and normalizes the directory. Any fetch error is
// a cycle-level failure: acting on a partial directory view could kick
// every member the fetch missed.
func (o *Orchestrator) fetchModel(ctx context.Context) (*directory.Model, error) {
	groups, err := o.directory.FetchGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w: %w", directory.ErrUnavailable, err)
	}
	return o.normalizer.Normalize(groups), nil
}

// resolveTargets derives the cycle's room targets: one per directory
// alias, plus an empty target for every previously-managed room that
// dropped out of the directory, so its members reconcile down instead
// of lingering. The administration room and rooms explicitly
// unmanaged are excluded.
func (o *Orchestrator) resolveTargets(ctx context.Context, model *directory.Model) ([]Target, error) {
	targets := make([]Target, 0, len(model.Rooms))
	seen := make(map[ref.RoomAlias]bool, len(model.Rooms))
	for alias, group := range model.Rooms {
		if alias == o.adminRoom || o.registry.Excluded(alias) {
			continue
		}
		seen[alias] = true
		targets = append(targets, Target{
			Alias:   alias,
			Members: group.Members,
			Owners:  group.Owners,
		})
	}

	managed, err := o.controller.ManagedAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing managed rooms: %w", err)
	}
	for _, alias := range managed {
		if seen[alias] || alias == o.adminRoom || o.registry.Excluded(alias) {
			continue
		}
		seen[alias] = true
		targets = append(targets, Target{
			Alias:   alias,
			Members: map[ref.UserID]bool{},
			Owners:  map[ref.UserID]bool{},
		})
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Alias.String() < targets[j].Alias.String()
	})
	return targets, nil
}

// syncRoom reconciles a single room: resolve its state, create it if
// eligible, diff, execute.
func (o *Orchestrator) syncRoom(ctx context.Context, target Target, cautious, dryRun bool) RoomReport {
	report := RoomReport{Alias: target.Alias}

	state, err := o.controller.RoomState(ctx, target.Alias)
	if err != nil {
		report.Err = fmt.Errorf("reading room state: %w", err)
		return report
	}

	if !state.Exists {
		state, err = o.ensureRoom(ctx, target, dryRun, &report)
		if err != nil {
			report.Err = err
			return report
		}
		if state == nil {
			// Creation skipped; the skip action is already recorded.
			return report
		}
	}

	if !o.manageable(state) {
		report.Err = fmt.Errorf("room is not manageable: the daemon must be joined with at least moderator level")
		return report
	}

	pinned, admins := o.registry.Overrides(target.Alias)
	plan := DiffRoom(target, state, DiffContext{
		Bot:      o.controller.BotUserID(),
		Server:   o.server,
		Cautious: cautious,
		Pinned:   pinned,
		Admins:   admins,
		Policy:   o.policy,
	})
	report.Stale = plan.Stale

	if dryRun {
		report.Applied = plan.Actions
		return report
	}
	o.execute(ctx, plan, &report)
	return report
}

// ensureRoom handles a target whose alias did not resolve. Rooms are
// only created for aliases on the managed homeserver, and never
// during a dry run; both cases record a CreateRoomSkipped action and
// return a nil state. On creation the fresh state is re-read so the
// diff runs against reality, not assumptions.
func (o *Orchestrator) ensureRoom(ctx context.Context, target Target, dryRun bool, report *RoomReport) (*RoomState, error) {
	if target.Alias.Server() != o.server.String() {
		report.Applied = append(report.Applied, Action{
			Kind:   ActionCreateRoomSkipped,
			Reason: "alias is on another homeserver",
		})
		return nil, nil
	}
	if dryRun {
		report.Applied = append(report.Applied, Action{
			Kind:   ActionCreateRoomSkipped,
			Reason: "dry run",
		})
		return nil, nil
	}

	levels := o.policy.Schema.Clone()
	levels.Users = map[string]int{
		o.controller.BotUserID().String(): o.policy.AdminLevel,
	}
	roomID, err := o.controller.CreateRoom(ctx, target.Alias, o.policy.EncryptOnCreation, levels)
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	o.logger.Info("created room", "alias", target.Alias, "room_id", roomID)

	state, err := o.controller.RoomState(ctx, target.Alias)
	if err != nil {
		return nil, fmt.Errorf("reading state of created room: %w", err)
	}
	if !state.Exists {
		return nil, fmt.Errorf("created room %s but its alias does not resolve", target.Alias)
	}
	return state, nil
}

// moderatorLevel is the minimum power level the daemon needs to manage
// a room: enough to kick, invite, and write state events under the
// default Matrix schema.
const moderatorLevel = 50

func (o *Orchestrator) manageable(state *RoomState) bool {
	return state.BotJoined &&
		state.PowerLevels.Level(o.controller.BotUserID()) >= moderatorLevel
}

// execute applies a plan in order. Failures are recorded and execution
// continues; within one room, kicks land before invites and invites
// before permission changes. All power-level actions coalesce into one
// state event write.
func (o *Orchestrator) execute(ctx context.Context, plan *RoomPlan, report *RoomReport) {
	levelsSent := false
	var levelsErr error
	sendLevels := func() error {
		if !levelsSent {
			levelsSent = true
			levelsErr = o.controller.SetPowerLevels(ctx, plan.RoomID, plan.PowerLevels)
		}
		return levelsErr
	}

	record := func(action Action, err error) {
		if err != nil {
			report.Failures = append(report.Failures, ActionFailure{Action: action, Err: err})
			o.logger.Warn("sync action failed",
				"room", plan.Alias,
				"action", action.String(),
				"error", err,
			)
			return
		}
		report.Applied = append(report.Applied, action)
	}

	for _, action := range plan.Actions {
		switch action.Kind {
		case ActionKick:
			record(action, o.controller.Kick(ctx, plan.RoomID, action.User, action.Reason))
		case ActionInvite:
			record(action, o.controller.Invite(ctx, plan.RoomID, action.User))
		case ActionSetPowerLevel:
			record(action, sendLevels())
		case ActionSetRoomPermission:
			switch action.Key {
			case PermissionPowerLevels:
				record(action, sendLevels())
			case PermissionHistoryVisibility:
				record(action, o.controller.SetHistoryVisibility(ctx, plan.RoomID, action.Value))
			case PermissionRoomName:
				record(action, o.controller.SetRoomName(ctx, plan.RoomID, action.Value))
			}
		case ActionCreateRoomSkipped:
			report.Applied = append(report.Applied, action)
		}
	}
}

// Model fetches and normalizes the directory without touching any
// room. Backs the idp admin command.
func (o *Orchestrator) Model(ctx context.Context) (*directory.Model, error) {
	return o.fetchModel(ctx)
}

// JoinedRooms lists every room the daemon occupies.
func (o *Orchestrator) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	return o.controller.JoinedRooms(ctx)
}

// ManagedRooms lists the directory aliases the daemon can actually
// reconcile: the room exists, the daemon is joined, and it holds
// sufficient power.
func (o *Orchestrator) ManagedRooms(ctx context.Context) ([]ref.RoomAlias, error) {
	model, err := o.fetchModel(ctx)
	if err != nil {
		return nil, err
	}
	var managed []ref.RoomAlias
	for alias := range model.Rooms {
		if alias == o.adminRoom || o.registry.Excluded(alias) {
			continue
		}
		state, err := o.controller.RoomState(ctx, alias)
		if err != nil {
			o.logger.Warn("skipping room in managed listing", "alias", alias, "error", err)
			continue
		}
		if state.Exists && o.manageable(state) {
			managed = append(managed, alias)
		}
	}
	sort.Slice(managed, func(i, j int) bool {
		return managed[i].String() < managed[j].String()
	})
	return managed, nil
}

// InviteExternal invites a user from another homeserver into a managed
// room as an externally-unmanaged member: the directory cannot see
// them, so reconciliation will never kick them. Users on the managed
// homeserver are rejected — their membership belongs to the directory.
func (o *Orchestrator) InviteExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	state, err := o.requireManaged(ctx, alias)
	if err != nil {
		return err
	}
	if user.Server() == o.server.String() {
		return fmt.Errorf("reconcile: %s is on the managed homeserver; add them via the directory", user)
	}
	if !state.Present(user) {
		if err := o.controller.Invite(ctx, state.ID, user); err != nil {
			return fmt.Errorf("reconcile: inviting %s to %s: %w", user, alias, err)
		}
	}
	o.registry.PinMember(alias, user)
	return nil
}

// KickExternal removes an externally-unmanaged member from a managed
// room and drops their pin. Admin-level users are never kickable.
func (o *Orchestrator) KickExternal(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	state, err := o.requireManaged(ctx, alias)
	if err != nil {
		return err
	}
	if user.Server() == o.server.String() {
		return fmt.Errorf("reconcile: %s is on the managed homeserver; remove them via the directory", user)
	}
	if user == o.controller.BotUserID() {
		return fmt.Errorf("reconcile: refusing to kick own account")
	}
	if state.PowerLevels.Level(user) >= o.policy.AdminLevel {
		return fmt.Errorf("reconcile: %s holds admin level in %s and cannot be kicked", user, alias)
	}
	if state.Present(user) {
		if err := o.controller.Kick(ctx, state.ID, user, "removed by administrator"); err != nil {
			return fmt.Errorf("reconcile: kicking %s from %s: %w", user, alias, err)
		}
	}
	o.registry.UnpinMember(alias, user)
	return nil
}

// InviteAdmin invites a user from another homeserver into a managed
// room as an unmanaged admin. Admins cannot be removed automatically —
// they leave on their own or through unmanage.
func (o *Orchestrator) InviteAdmin(ctx context.Context, alias ref.RoomAlias, user ref.UserID) error {
	state, err := o.requireManaged(ctx, alias)
	if err != nil {
		return err
	}
	if user.Server() == o.server.String() {
		return fmt.Errorf("reconcile: %s is on the managed homeserver; use a directory owners group instead", user)
	}
	if !state.Present(user) {
		if err := o.controller.Invite(ctx, state.ID, user); err != nil {
			return fmt.Errorf("reconcile: inviting %s to %s: %w", user, alias, err)
		}
	}
	levels := state.PowerLevels.Clone()
	if levels.Users == nil {
		levels.Users = make(map[string]int)
	}
	levels.Users[user.String()] = o.policy.AdminLevel
	if err := o.controller.SetPowerLevels(ctx, state.ID, levels); err != nil {
		return fmt.Errorf("reconcile: promoting %s in %s: %w", user, alias, err)
	}
	o.registry.PinAdmin(alias, user)
	return nil
}

// Unmanage withdraws the daemon from a room: optionally installs a
// successor admin, verifies the room survives the departure (another
// admin must remain), demotes the daemon's own account so a later
// re-invite does not resurrect its power, leaves, and excludes the
// room from future cycles.
//
// The successor must have accepted their invite before the daemon can
// leave. If they have not, Unmanage sends the invite and promotion,
// then fails with instructions to re-run once the invite is accepted.
func (o *Orchestrator) Unmanage(ctx context.Context, alias ref.RoomAlias, successor ref.UserID) error {
	state, err := o.requireManaged(ctx, alias)
	if err != nil {
		return err
	}

	if !successor.IsZero() {
		if !state.Present(successor) {
			if err := o.controller.Invite(ctx, state.ID, successor); err != nil {
				return fmt.Errorf("reconcile: inviting successor %s: %w", successor, err)
			}
		}
		if state.Joined(successor) && state.PowerLevels.Level(successor) < o.policy.AdminLevel {
			levels := state.PowerLevels.Clone()
			if levels.Users == nil {
				levels.Users = make(map[string]int)
			}
			levels.Users[successor.String()] = o.policy.AdminLevel
			if err := o.controller.SetPowerLevels(ctx, state.ID, levels); err != nil {
				return fmt.Errorf("reconcile: promoting successor %s: %w", successor, err)
			}
			// Work from the promoted levels for the checks below.
			state.PowerLevels = *levels
		}
		if !state.Joined(successor) {
			return fmt.Errorf("reconcile: successor %s has not joined %s yet; re-run unmanage after they accept the invite", successor, alias)
		}
	}

	bot := o.controller.BotUserID()
	admins := 0
	for user, membership := range state.Members {
		if membership != messaging.MembershipJoin || user == bot {
			continue
		}
		if state.PowerLevels.Level(user) >= o.policy.AdminLevel {
			admins++
		}
	}
	if admins < 1 {
		return fmt.Errorf("reconcile: leaving %s would strand it without an admin; name a successor with unmanage <alias> <user>", alias)
	}

	// Power levels persist across membership. Demote before leaving so
	// a later re-invite does not return with admin power.
	levels := state.PowerLevels.Clone()
	if levels.Users == nil {
		levels.Users = make(map[string]int)
	}
	levels.Users[bot.String()] = o.policy.MemberLevel
	if err := o.controller.SetPowerLevels(ctx, state.ID, levels); err != nil {
		return fmt.Errorf("reconcile: demoting own account in %s: %w", alias, err)
	}
	if err := o.controller.Leave(ctx, state.ID); err != nil {
		return fmt.Errorf("reconcile: leaving %s: %w", alias, err)
	}
	o.registry.Exclude(alias)
	o.logger.Info("unmanaged room", "alias", alias, "successor", successor)
	return nil
}

// requireManaged resolves a room and verifies the daemon can manage
// it. Shared precondition of every command that mutates a room.
func (o *Orchestrator) requireManaged(ctx context.Context, alias ref.RoomAlias) (*RoomState, error) {
	state, err := o.controller.RoomState(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("reconcile: reading state of %s: %w", alias, err)
	}
	if !state.Exists {
		return nil, fmt.Errorf("reconcile: room %s not found", alias)
	}
	if !o.manageable(state) {
		return nil, fmt.Errorf("reconcile: room %s is not manageable: the daemon must be joined with at least moderator level", alias)
	}
	return state, nil
}
