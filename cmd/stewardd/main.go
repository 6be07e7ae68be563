// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Stewardd keeps Matrix room membership in step with an identity
// directory. Each cycle it fetches the directory's group structure,
// derives the rooms and members those groups describe, and reconciles
// every managed room: creating missing rooms, inviting and removing
// members, assigning power levels, and enforcing the configured
// permission schema. Between cycles it listens in the administration
// room for operator commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stewardhq/steward/bot"
	"github.com/stewardhq/steward/directory"
	"github.com/stewardhq/steward/lib/config"
	"github.com/stewardhq/steward/lib/ref"
	"github.com/stewardhq/steward/lib/secret"
	"github.com/stewardhq/steward/lib/version"
	"github.com/stewardhq/steward/messaging"
	"github.com/stewardhq/steward/reconcile"
)

// cycleTimeout bounds a single reconciliation cycle. A homeserver or
// directory connection that stalls mid-cycle would otherwise hold the
// in-progress flag forever and block every future cycle.
const cycleTimeout = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		once        bool
		dryRun      bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to steward.yaml (defaults to $STEWARD_CONFIG)")
	flag.BoolVar(&once, "once", false, "run a single reconciliation cycle and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "plan without applying (implies -once)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}
	if dryRun {
		once = true
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := ref.MustParseServerName(cfg.ServerName)
	adminRoom := ref.MustParseRoomAlias(cfg.AdministrationRoom)

	session, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	dirClient, err := newDirectoryClient(cfg, logger)
	if err != nil {
		return err
	}

	orchestrator := reconcile.NewOrchestrator(reconcile.OrchestratorConfig{
		Controller:         reconcile.NewMatrixController(session, server, logger),
		Directory:          dirClient,
		Normalizer:         directory.NewNormalizer(server, directory.NewRenameResolver(cfg.RenamedUsers), logger),
		Policy:             reconcile.PolicyFromConfig(cfg),
		Server:             server,
		AdministrationRoom: adminRoom,
		Cautious:           cfg.Sync.Cautious,
		RoomConcurrency:    cfg.Sync.RoomConcurrency,
		Logger:             logger,
	})

	if once {
		cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		report, err := orchestrator.Sync(cycleCtx, reconcile.SyncOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		printReport(report)
		if report.Failed() {
			return fmt.Errorf("reconciliation finished with failures")
		}
		return nil
	}

	commandBot := bot.New(bot.Config{
		Service:            orchestrator,
		Session:            session,
		AdministrationRoom: adminRoom,
		Logger:             logger,
	})

	botDone := make(chan error, 1)
	go func() { botDone <- commandBot.Run(ctx) }()

	logger.Info("starting sync loop",
		"interval", cfg.SyncInterval(),
		"cautious", cfg.Sync.Cautious,
		"version", version.Info(),
	)
	ticker := time.NewTicker(cfg.SyncInterval())
	defer ticker.Stop()

	runCycle := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		if _, err := orchestrator.Sync(cycleCtx, reconcile.SyncOptions{}); err != nil {
			// A cycle already running means an operator triggered one
			// manually; the scheduled cycle yields.
			if errors.Is(err, reconcile.ErrSyncInProgress) {
				logger.Info("skipping scheduled cycle, one is already running")
				return
			}
			logger.Error("reconciliation cycle failed", "error", err)
		}
	}

	runCycle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-botDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("command loop stopped: %w", err)
		case <-ticker.C:
			runCycle()
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openSession builds the authenticated Matrix session and verifies the
// access token actually belongs to the configured account before any
// room is touched.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*messaging.Session, error) {
	token, err := secret.ReadFromPath(cfg.AccessTokenFile)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		token.Close()
		return nil, err
	}
	userID := ref.MustParseUserID(cfg.UserID)
	session, err := client.SessionFromToken(userID, token)
	if err != nil {
		token.Close()
		return nil, err
	}

	whoami, err := session.WhoAmI(ctx)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("verifying access token: %w", err)
	}
	if whoami != userID {
		session.Close()
		return nil, fmt.Errorf("access token belongs to %s, config names %s", whoami, userID)
	}
	logger.Info("authenticated", "user_id", userID, "homeserver", cfg.HomeserverURL)
	return session, nil
}

func newDirectoryClient(cfg *config.Config, logger *slog.Logger) (directory.Client, error) {
	switch cfg.Directory.Type {
	case config.BackendGraph:
		clientSecret, err := secret.ReadFromPath(cfg.Directory.Graph.ClientSecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading graph client secret: %w", err)
		}
		return directory.NewGraphClient(cfg.Directory.Graph, clientSecret, logger), nil
	case config.BackendLDAP:
		bindPassword, err := secret.ReadFromPath(cfg.Directory.LDAP.BindPasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading ldap bind password: %w", err)
		}
		return directory.NewLDAPClient(cfg.Directory.LDAP, bindPassword, cfg.LDAPConnectTimeout(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported directory type %q", cfg.Directory.Type)
	}
}

func printReport(report *reconcile.Report) {
	if report.DryRun {
		fmt.Println("dry run, nothing was applied")
	}
	for _, room := range report.Rooms {
		if room.Err != nil {
			fmt.Printf("%s: error: %v\n", room.Alias, room.Err)
			continue
		}
		for _, action := range room.Applied {
			fmt.Printf("%s: %s\n", room.Alias, action)
		}
		for _, failure := range room.Failures {
			fmt.Printf("%s: failed: %s: %v\n", room.Alias, failure.Action, failure.Err)
		}
		for _, user := range room.Stale {
			fmt.Printf("%s: stale: %s\n", room.Alias, user)
		}
	}
	for _, skipped := range report.SkippedGroups {
		fmt.Printf("skipped group %q: %v\n", skipped.Name, skipped.Err)
	}
	fmt.Printf("%d rooms checked in %s\n", len(report.Rooms), report.Finished.Sub(report.Started).Round(time.Millisecond))
}
