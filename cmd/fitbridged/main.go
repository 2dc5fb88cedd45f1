// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package main is the entry point for the FitBridge daemon.
//
// FitBridge watches a device health store for finished workouts and keeps
// them synchronized to the user's activity feed. The daemon initializes in
// order:
//
//  1. Configuration: layered defaults, config file, environment (Koanf v2)
//  2. Store: one BadgerDB holding sessions, tokens, rate counters, and
//     breaker state
//  3. Upstream client: rate-budgeted HTTP client wrapped in a circuit
//     breaker
//  4. Scheduler: watermill router delivering upload jobs with retry and a
//     poison queue
//  5. Coordinator: the periodic sweep pairing local workouts with remote
//     activities
//  6. Admin server: health, status, metrics, manual sync, connect flow,
//     and record ingestion
//
// Everything long-running sits under a suture supervision tree. SIGINT
// and SIGTERM trigger graceful shutdown with a bounded drain.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitbridge/fitbridge/internal/api"
	"github.com/fitbridge/fitbridge/internal/autosync"
	"github.com/fitbridge/fitbridge/internal/breaker"
	"github.com/fitbridge/fitbridge/internal/config"
	"github.com/fitbridge/fitbridge/internal/health"
	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/notify"
	"github.com/fitbridge/fitbridge/internal/ratelimit"
	"github.com/fitbridge/fitbridge/internal/scheduler"
	"github.com/fitbridge/fitbridge/internal/session"
	"github.com/fitbridge/fitbridge/internal/store"
	"github.com/fitbridge/fitbridge/internal/strava"
	"github.com/fitbridge/fitbridge/internal/supervisor"
	"github.com/fitbridge/fitbridge/internal/supervisor/services"
	"github.com/fitbridge/fitbridge/internal/token"
	"github.com/fitbridge/fitbridge/internal/uploader"
	"golang.org/x/time/rate"
)

// failureNoticeInterval throttles repeated upload-failure notifications.
const failureNoticeInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})
	logging.Info().Msg("Starting FitBridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === STORE ===

	db, err := store.OpenBadger(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Store close failed")
		}
	}()

	enc, err := store.NewEncryptor(cfg.Store.EncryptionKey)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token encryption")
	}
	if enc == nil {
		logging.Warn().Msg("Token encryption disabled, set store.encryption_key to enable")
	}

	sessions := session.NewBadgerStore(db.DB())
	healthStore := health.NewBadgerStore(db.DB())

	// === UPSTREAM CLIENT ===

	tracker := ratelimit.New(db, ratelimit.Limits{
		UserQuarter: ratelimit.WindowLimits{Reads: cfg.RateLimit.UserReads15Min, Requests: cfg.RateLimit.UserRequests15Min},
		UserDay:     ratelimit.WindowLimits{Reads: cfg.RateLimit.UserReadsDaily, Requests: cfg.RateLimit.UserRequestsDaily},
		AppQuarter:  ratelimit.WindowLimits{Reads: cfg.RateLimit.AppReads15Min, Requests: cfg.RateLimit.AppRequests15Min},
		AppDay:      ratelimit.WindowLimits{Reads: cfg.RateLimit.AppReadsDaily, Requests: cfg.RateLimit.AppRequestsDaily},
	})

	rawClient := strava.NewClient(strava.Config{
		BaseURL:      cfg.Strava.BaseURL,
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		PerPage:      cfg.Strava.PerPage,
		Timeout:      cfg.Strava.Timeout,
	}, tracker)
	upstream := strava.NewBreakerClient(rawClient)

	tokens := token.NewManager(db, enc, upstream)

	// === SAFETY RAILS ===

	notifier := notify.NewStormLimited(notify.LogNotifier{}, rate.Every(failureNoticeInterval))
	uploadBreaker := breaker.New(db, tokens, notifier)

	// === SCHEDULER + COORDINATOR ===

	deps := uploader.Deps{
		Sessions:  sessions,
		API:       upstream,
		Tokens:    tokens,
		Breaker:   uploadBreaker,
		Notifier:  notifier,
		Tolerance: cfg.Sync.MatchTolerance,
		Config: uploader.Config{
			PollInitialDelay: cfg.Upload.PollInitialDelay,
			PollMaxDelay:     cfg.Upload.PollMaxDelay,
			PollMaxAttempts:  cfg.Upload.PollMaxAttempts,
		},
	}

	sched, err := scheduler.New(deps, scheduler.Config{
		RetryMaxAttempts:     cfg.Upload.RetryMaxAttempts,
		RetryInitialInterval: cfg.Upload.RetryInitialInterval,
		RetryMaxInterval:     cfg.Upload.RetryMaxInterval,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}

	coordinator := autosync.New(autosync.Config{
		Interval:       cfg.Sync.Interval,
		Window:         cfg.Sync.Window,
		MatchTolerance: cfg.Sync.MatchTolerance,
	}, healthStore, sessions, tokens, tracker, upstream, sched)

	// === ADMIN SERVER ===

	adminServer := api.NewServer(api.OAuthConfig{
		AuthURL:     cfg.Strava.AuthURL,
		ClientID:    cfg.Strava.ClientID,
		RedirectURI: cfg.Strava.RedirectURI,
	}, tokens, uploadBreaker, tracker, coordinator, upstream, healthStore)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      adminServer.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(services.NewGCService(db, 30*time.Minute))
	tree.AddSyncService(sched)
	tree.AddSyncService(coordinator)
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("Services added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("FitBridge stopped gracefully")
}
