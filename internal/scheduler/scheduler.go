// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package scheduler delivers upload jobs through an in-process watermill
// router. Retry middleware re-runs a retrying job with exponential
// backoff; exhausted jobs land on a poison topic instead of looping
// forever. At most one job per session is in flight at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/notify"
	"github.com/fitbridge/fitbridge/internal/uploader"
)

const (
	uploadTopic = "uploads"
	poisonTopic = "uploads.poison"

	handlerUpload = "upload_pipeline"
	handlerPoison = "upload_poison"
)

// Config tunes the retry schedule for jobs that end in a retrying state.
type Config struct {
	// RetryMaxAttempts bounds re-deliveries per enqueued job.
	RetryMaxAttempts int

	// RetryInitialInterval is the first re-delivery delay.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the doubling re-delivery delay.
	RetryMaxInterval time.Duration
}

// DefaultConfig returns the reference retry schedule.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:     5,
		RetryInitialInterval: 30 * time.Second,
		RetryMaxInterval:     10 * time.Minute,
	}
}

// Scheduler owns the pubsub, the router, and the per-session in-flight set.
type Scheduler struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	deps   uploader.Deps

	mu       sync.Mutex
	inflight map[string]int // session id -> delivery count
}

// New builds the scheduler and wires the router handlers. Call Serve to
// start delivery.
func New(deps uploader.Deps, cfg Config) (*Scheduler, error) {
	if cfg.RetryMaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	wmLogger := newWatermillLogger()

	// Persistent keeps messages published before the router's subscription
	// is live and replays them to the first subscriber. Without it a job
	// enqueued before Serve is dropped while its session stays marked
	// in flight, stranding the workout.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	s := &Scheduler{
		pubsub:   pubsub,
		router:   router,
		deps:     deps,
		inflight: make(map[string]int),
	}

	poison, err := middleware.PoisonQueue(pubsub, poisonTopic)
	if err != nil {
		return nil, fmt.Errorf("create poison queue: %w", err)
	}

	// First added is outermost. Poison sits outside retry so it only sees
	// the error left after the retry budget is spent; recoverer is
	// innermost so a handler panic becomes an error that retry and poison
	// handle instead of a nack that redelivers forever.
	router.AddMiddleware(poison)
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		Multiplier:      2,
		MaxInterval:     cfg.RetryMaxInterval,
		Logger:          wmLogger,
	}.Middleware)
	router.AddMiddleware(middleware.Recoverer)

	router.AddConsumerHandler(handlerUpload, uploadTopic, pubsub, s.handleUpload)
	router.AddConsumerHandler(handlerPoison, poisonTopic, pubsub, s.handlePoison)

	return s, nil
}

// EnqueueUpload queues one upload job for the session. A session already
// in flight is not queued again; the call is a no-op.
func (s *Scheduler) EnqueueUpload(sessionID string) error {
	s.mu.Lock()
	if _, busy := s.inflight[sessionID]; busy {
		s.mu.Unlock()
		logging.Debug().Str("session", sessionID).Msg("upload already in flight, skipping enqueue")
		return nil
	}
	s.inflight[sessionID] = 0
	s.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), []byte(sessionID))
	if err := s.pubsub.Publish(uploadTopic, msg); err != nil {
		s.release(sessionID)
		return fmt.Errorf("publish upload job: %w", err)
	}
	logging.Info().Str("session", sessionID).Msg("upload job enqueued")
	return nil
}

// InFlight reports whether the session has a queued or running job.
func (s *Scheduler) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[sessionID]
	return busy
}

// handleUpload runs the pipeline once per delivery. A retrying terminal
// returns its error so the retry middleware re-delivers; succeeded and
// failed terminals both settle the message.
func (s *Scheduler) handleUpload(msg *message.Message) error {
	sessionID := string(msg.Payload)

	s.mu.Lock()
	s.inflight[sessionID]++
	attempt := s.inflight[sessionID]
	s.mu.Unlock()

	job := uploader.New(s.deps, sessionID, attempt)
	terminal, err := job.Run(msg.Context())

	switch terminal {
	case uploader.StateRetrying:
		return err
	case uploader.StateFailed:
		// Terminal by taxonomy; re-running the same job cannot help.
		s.release(sessionID)
		return nil
	default:
		s.release(sessionID)
		return nil
	}
}

// handlePoison settles jobs whose retry budget ran out. The pipeline
// never notified for these (retrying is not user-visible), so the poison
// path owns the single failure notification.
func (s *Scheduler) handlePoison(msg *message.Message) error {
	sessionID := string(msg.Payload)
	s.release(sessionID)

	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	logging.Error().
		Str("session", sessionID).
		Str("reason", reason).
		Msg("upload job exhausted its retries")

	s.deps.Notifier.Show(notify.IDUploadFailed,
		"Workout upload failed",
		"The upload kept failing and will be retried on the next sync.")
	return nil
}

func (s *Scheduler) release(sessionID string) {
	s.mu.Lock()
	delete(s.inflight, sessionID)
	s.mu.Unlock()
}

// Serve runs the router until the context ends. Implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	defer func() {
		_ = s.pubsub.Close()
	}()
	return s.router.Run(ctx)
}

func (s *Scheduler) String() string {
	return "upload-scheduler"
}
