// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package autosync periodically sweeps the health source for workouts
// that are not yet on the activity feed and enqueues uploads for them.
//
// The sweep is frugal with the upstream API: an empty diff makes zero
// remote calls, and a single listing covers the whole window when a diff
// exists. Near-limit budgets or a pending upstream reset defer the sweep
// entirely.
package autosync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fitbridge/fitbridge/internal/health"
	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/match"
	"github.com/fitbridge/fitbridge/internal/metrics"
	"github.com/fitbridge/fitbridge/internal/ratelimit"
	"github.com/fitbridge/fitbridge/internal/session"
	"github.com/fitbridge/fitbridge/internal/strava"
	"github.com/fitbridge/fitbridge/internal/token"
)

// ErrSweepInProgress is returned by TriggerSync when a sweep is already
// running.
var ErrSweepInProgress = fmt.Errorf("sweep already in progress")

// Enqueuer hands a session to the upload scheduler.
type Enqueuer interface {
	EnqueueUpload(sessionID string) error
}

// Config tunes the sweep cadence and scope.
type Config struct {
	// Interval is the period between sweeps.
	Interval time.Duration

	// Window is how far back each sweep looks.
	Window time.Duration

	// MatchTolerance is the start-time tolerance for pairing a workout
	// with a remote activity.
	MatchTolerance time.Duration
}

// DefaultConfig returns the reference cadence: a 15 minute period over a
// 24 hour window.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Minute,
		Window:         24 * time.Hour,
		MatchTolerance: match.DefaultTolerance,
	}
}

// SweepResult summarizes one sweep for the status endpoint.
type SweepResult struct {
	At         time.Time `json:"at"`
	Outcome    string    `json:"outcome"` // completed, deferred, failed, skipped
	Discovered int       `json:"discovered"`
	Matched    int       `json:"matched"`
	Enqueued   int       `json:"enqueued"`
	Err        string    `json:"error,omitempty"`
}

// Coordinator owns the sweep loop.
type Coordinator struct {
	cfg      Config
	source   health.Source
	sessions session.Store
	tokens   *token.Manager
	tracker  *ratelimit.Tracker
	api      strava.API
	enqueuer Enqueuer

	// sweepMu serializes sweeps; TriggerSync uses TryLock so a manual
	// trigger never queues behind the timer.
	sweepMu sync.Mutex

	statusMu sync.Mutex
	last     SweepResult

	now func() time.Time
}

// New builds a coordinator. Call Serve to start the loop.
func New(cfg Config, source health.Source, sessions session.Store, tokens *token.Manager, tracker *ratelimit.Tracker, api strava.API, enqueuer Enqueuer) *Coordinator {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		cfg:      cfg,
		source:   source,
		sessions: sessions,
		tokens:   tokens,
		tracker:  tracker,
		api:      api,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

// Serve runs periodic sweeps until the context ends. Implements
// suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Catch up immediately on start; the engine may have been down for a
	// while.
	c.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

func (c *Coordinator) String() string {
	return "autosync-coordinator"
}

// TriggerSync runs one sweep now. It does not wait for a sweep that is
// already running; it reports ErrSweepInProgress instead.
func (c *Coordinator) TriggerSync(ctx context.Context) error {
	if !c.sweepMu.TryLock() {
		return ErrSweepInProgress
	}
	defer c.sweepMu.Unlock()
	return c.sweep(ctx)
}

// LastSweep returns the most recent sweep summary.
func (c *Coordinator) LastSweep() SweepResult {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.last
}

func (c *Coordinator) runSweep(ctx context.Context) {
	if !c.sweepMu.TryLock() {
		return
	}
	defer c.sweepMu.Unlock()
	if err := c.sweep(ctx); err != nil {
		logging.Err(err).Str("component", "autosync").Msg("sweep failed")
	}
}

//nolint:gocyclo // the sweep sequence reads top to bottom on purpose
func (c *Coordinator) sweep(ctx context.Context) error {
	log := logging.With().Str("component", "autosync").Logger()
	result := SweepResult{At: c.now().UTC()}
	defer func() {
		c.statusMu.Lock()
		c.last = result
		c.statusMu.Unlock()
		metrics.SweepRuns.WithLabelValues(result.Outcome).Inc()
	}()

	if !c.tokens.Connected() {
		result.Outcome = "skipped"
		log.Debug().Msg("not connected, skipping sweep")
		return nil
	}

	to := c.now()
	from := to.Add(-c.cfg.Window)

	fresh, pending, err := c.discover(ctx, from, to)
	if err != nil {
		result.Outcome = "failed"
		result.Err = err.Error()
		return err
	}
	result.Discovered = len(fresh)
	metrics.SweepSessionsDiscovered.Add(float64(len(fresh)))

	// Known sessions a previous run left unsynced (a retry budget ran
	// out, or the engine restarted mid-upload) are re-enqueued every
	// sweep. Re-entry is idempotent through the pipeline's local-mark and
	// remote-duplicate checks, and the scheduler skips sessions already
	// in flight.
	for _, id := range pending {
		if err := c.enqueuer.EnqueueUpload(id); err != nil {
			result.Outcome = "failed"
			result.Err = err.Error()
			return fmt.Errorf("re-enqueue session %s: %w", id, err)
		}
		result.Enqueued++
	}

	// Invariant: an empty diff touches the upstream zero times.
	if len(fresh) == 0 {
		result.Outcome = "completed"
		log.Debug().Int("reenqueued", len(pending)).Msg("no new workouts, sweep complete")
		return nil
	}

	if c.tracker.ResetPending() {
		result.Outcome = "deferred"
		log.Info().Int("pending", len(fresh)).Msg("upstream reset pending, deferring sweep")
		return nil
	}
	if c.tracker.IsNearLimit() {
		result.Outcome = "deferred"
		log.Info().Int("pending", len(fresh)).Msg("near rate budget, deferring sweep")
		return nil
	}

	accessToken, err := c.tokens.AccessToken(ctx)
	if err != nil {
		result.Outcome = "failed"
		result.Err = err.Error()
		return fmt.Errorf("access token for sweep: %w", err)
	}

	// One listing covers the whole window for every fresh session.
	remote, err := strava.ListAll(ctx, c.api, accessToken, from, to)
	if err != nil {
		result.Outcome = "failed"
		result.Err = err.Error()
		return fmt.Errorf("list remote activities: %w", err)
	}

	for _, sess := range fresh {
		if hit := match.FindMatch(sess, remote, c.cfg.MatchTolerance); hit != nil {
			sess.RemoteID = hit.ID
			result.Matched++
			metrics.SweepSessionsMatched.Inc()
		}
		if err := c.sessions.Insert(ctx, sess); err != nil {
			result.Outcome = "failed"
			result.Err = err.Error()
			return fmt.Errorf("persist session %s: %w", sess.ID, err)
		}
		if sess.Synced() {
			log.Debug().Str("session", sess.ID).Int64("remote_id", sess.RemoteID).
				Msg("workout already on feed, marked without upload")
			continue
		}
		if err := c.enqueuer.EnqueueUpload(sess.ID); err != nil {
			result.Outcome = "failed"
			result.Err = err.Error()
			return fmt.Errorf("enqueue session %s: %w", sess.ID, err)
		}
		result.Enqueued++
	}

	result.Outcome = "completed"
	log.Info().
		Int("discovered", result.Discovered).
		Int("matched", result.Matched).
		Int("enqueued", result.Enqueued).
		Msg("sweep complete")
	return nil
}

// discover reads the health source for the window and diffs it against
// the store: fresh sessions are unknown to the store, pending ids are
// known sessions still awaiting a remote id.
func (c *Coordinator) discover(ctx context.Context, from, to time.Time) (fresh []*session.WorkoutSession, pending []string, err error) {
	known, err := c.sessions.All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load known sessions: %w", err)
	}
	knownIDs := make(map[string]struct{}, len(known))
	for _, s := range known {
		knownIDs[s.ID] = struct{}{}
		if !s.Synced() {
			pending = append(pending, s.ID)
		}
	}

	records, err := c.source.ExerciseRecords(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("read exercise records: %w", err)
	}
	for _, rec := range records {
		if _, ok := knownIDs[session.DeriveID(rec.Source, rec.StartTime)]; ok {
			continue
		}
		fresh = append(fresh, c.sessionFromRecord(ctx, rec))
	}
	return fresh, pending, nil
}

// sessionFromRecord converts a health record to a session, attaching the
// heart-rate samples that fall inside the workout.
func (c *Coordinator) sessionFromRecord(ctx context.Context, rec health.ExerciseRecord) *session.WorkoutSession {
	sess := &session.WorkoutSession{
		ID:          session.DeriveID(rec.Source, rec.StartTime),
		Source:      rec.Source,
		Title:       rec.Title,
		Description: rec.Description,
		StartTime:   rec.StartTime,
		Duration:    rec.Duration,
		Calories:    rec.Calories,
	}

	samples, err := c.source.HeartRateSamples(ctx, rec.StartTime, rec.StartTime.Add(rec.Duration))
	if err != nil {
		// Heart rate enriches the payload but is not required for it.
		logging.Warn().Err(err).Str("session", sess.ID).Msg("heart rate read failed")
		return sess
	}
	var sum int
	for _, hr := range samples {
		sess.HeartRateSamples = append(sess.HeartRateSamples, session.HeartRateSample{
			Time: hr.Time,
			BPM:  hr.BPM,
		})
		sum += hr.BPM
	}
	if len(samples) > 0 {
		sess.AvgHeartRate = sum / len(samples)
	}
	return sess
}
