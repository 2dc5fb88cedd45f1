// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package uploader runs the per-session upload pipeline as an explicit
// state machine:
//
//	Queued -> CheckBreaker -> CheckLocalMark -> CheckRemoteDuplicate ->
//	BuildPayload -> Uploading -> PollingStatus -> Succeeded | Failed | Retrying
//
// Retrying never loops in place: it terminates the job instance and the
// scheduler re-creates it with backoff. Re-entry is idempotent because the
// local-mark and remote-duplicate checks run again first.
package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fitbridge/fitbridge/internal/breaker"
	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/match"
	"github.com/fitbridge/fitbridge/internal/metrics"
	"github.com/fitbridge/fitbridge/internal/notify"
	"github.com/fitbridge/fitbridge/internal/session"
	"github.com/fitbridge/fitbridge/internal/strava"
	"github.com/fitbridge/fitbridge/internal/tcx"
	"github.com/fitbridge/fitbridge/internal/token"
)

// State is a step of the upload pipeline.
type State string

const (
	StateQueued               State = "queued"
	StateCheckBreaker         State = "check_breaker"
	StateCheckLocalMark       State = "check_local_mark"
	StateCheckRemoteDuplicate State = "check_remote_duplicate"
	StateBuildPayload         State = "build_payload"
	StateUploading            State = "uploading"
	StatePollingStatus        State = "polling_status"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StateRetrying             State = "retrying"
)

// Terminal reports whether the state ends the job instance.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRetrying
}

// duplicateListWindow bounds the remote listing around the session start
// during the duplicate check; one hour dwarfs the match tolerance.
const duplicateListWindow = time.Hour

// Config holds the polling schedule.
type Config struct {
	// PollInitialDelay is the first status-poll delay.
	PollInitialDelay time.Duration

	// PollMaxDelay caps the doubling delay.
	PollMaxDelay time.Duration

	// PollMaxAttempts bounds polls per job instance; exhaustion re-enqueues
	// the whole job.
	PollMaxAttempts int
}

// DefaultConfig returns the reference polling schedule: 4s doubling to a
// 60s cap, at most 60 attempts.
func DefaultConfig() Config {
	return Config{
		PollInitialDelay: 4 * time.Second,
		PollMaxDelay:     60 * time.Second,
		PollMaxAttempts:  60,
	}
}

// pollBackoff returns the deterministic poll schedule: the initial delay
// doubling up to the cap, no jitter, no elapsed-time ceiling (the attempt
// budget is the only bound).
func (c Config) pollBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.PollInitialDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.PollMaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Deps are the collaborators a job consults.
type Deps struct {
	Sessions  session.Store
	API       strava.API
	Tokens    *token.Manager
	Breaker   *breaker.Breaker
	Notifier  notify.Notifier
	Tolerance time.Duration
	Config    Config
}

// Job is one upload attempt for one session. A job instance is created per
// scheduler delivery; Attempt is the delivery count for logging.
type Job struct {
	deps      Deps
	sessionID string
	state     State

	// Attempt is the scheduler's delivery count for this session.
	Attempt int
}

// New creates a job in the Queued state.
func New(deps Deps, sessionID string, attempt int) *Job {
	if deps.Tolerance <= 0 {
		deps.Tolerance = match.DefaultTolerance
	}
	if deps.Config.PollMaxAttempts <= 0 {
		deps.Config = DefaultConfig()
	}
	return &Job{deps: deps, sessionID: sessionID, state: StateQueued, Attempt: attempt}
}

// State returns the job's current state.
func (j *Job) State() State {
	return j.state
}

// Run drives the pipeline to a terminal state. The returned error is nil
// only for Succeeded; for Retrying it is always retryable per the
// taxonomy, so the scheduler re-delivers.
func (j *Job) Run(ctx context.Context) (State, error) {
	log := logging.With().
		Str("component", "uploader").
		Str("session", j.sessionID).
		Int("attempt", j.Attempt).
		Logger()

	terminal, err := j.run(ctx, log)
	j.state = terminal
	metrics.UploadTerminals.WithLabelValues(string(terminal)).Inc()

	switch terminal {
	case StateSucceeded:
		log.Info().Msg("upload pipeline succeeded")
	case StateRetrying:
		log.Warn().Err(err).Msg("upload pipeline retrying")
	default:
		log.Error().Err(err).Msg("upload pipeline failed")
	}
	return terminal, err
}

//nolint:gocyclo // the transition table is one function by design
func (j *Job) run(ctx context.Context, log zerolog.Logger) (State, error) {
	// CheckBreaker: a tripped breaker fails the job before any network
	// call; the credentials are already gone.
	j.state = StateCheckBreaker
	if j.deps.Breaker.Tripped() {
		j.deps.Notifier.Show(notify.IDReconnectRequired,
			"Account disconnected",
			"This workout was not uploaded. Reconnect your account to resume syncing.")
		return StateFailed, &strava.APIError{Class: strava.ClassNotConnected, Message: "circuit breaker tripped"}
	}

	// CheckLocalMark: an already-reconciled session needs no network call.
	// Its original terminal transition already notified the user.
	j.state = StateCheckLocalMark
	sess, err := j.deps.Sessions.Get(ctx, j.sessionID)
	if err != nil {
		return StateFailed, fmt.Errorf("load session: %w", err)
	}
	if sess.Synced() {
		log.Debug().Int64("remote_id", sess.RemoteID).Msg("session already marked, short-circuiting")
		return StateSucceeded, nil
	}

	accessToken, err := j.deps.Tokens.AccessToken(ctx)
	if err != nil {
		return j.fail(err)
	}

	// CheckRemoteDuplicate: one bounded list read saves a duplicate write
	// when the activity already exists upstream.
	j.state = StateCheckRemoteDuplicate
	if done, state, err := j.checkRemoteDuplicate(ctx, sess, accessToken, log); done {
		return state, err
	}

	// BuildPayload: the temp file is deleted on every exit path below.
	j.state = StateBuildPayload
	payloadPath, cleanup, err := tcx.WriteTemp(sess)
	if err != nil {
		return StateFailed, fmt.Errorf("build payload: %w", err)
	}
	defer cleanup()

	if err := ctx.Err(); err != nil {
		return j.cancelled(err)
	}

	// Uploading
	j.state = StateUploading
	upload, err := j.deps.API.Upload(ctx, accessToken, strava.UploadRequest{
		FilePath:    payloadPath,
		DataType:    "tcx",
		SportType:   sess.SportType(),
		Name:        sess.Title,
		Description: sess.Description,
	})
	if err != nil {
		if ctx.Err() != nil {
			return j.cancelled(ctx.Err())
		}
		return j.fail(err)
	}
	if upload.Error != "" {
		return j.fail(&strava.APIError{Class: strava.ClassBadRequest, Message: upload.Error})
	}

	// PollingStatus
	j.state = StatePollingStatus
	return j.pollStatus(ctx, sess, accessToken, upload.ID, log)
}

// checkRemoteDuplicate lists remote activities around the session start
// and persists a match. done=false means the pipeline continues.
func (j *Job) checkRemoteDuplicate(ctx context.Context, sess *session.WorkoutSession, accessToken string, log zerolog.Logger) (done bool, state State, err error) {
	after := sess.StartTime.Add(-duplicateListWindow)
	before := sess.StartTime.Add(duplicateListWindow)

	activities, err := strava.ListAll(ctx, j.deps.API, accessToken, after, before)
	if err != nil {
		if ctx.Err() != nil {
			state, err = j.cancelled(ctx.Err())
			return true, state, err
		}
		state, err = j.fail(err)
		return true, state, err
	}

	hit := match.FindMatch(sess, activities, j.deps.Tolerance)
	if hit == nil {
		return false, "", nil
	}

	log.Info().Int64("remote_id", hit.ID).Msg("remote duplicate found, adopting")
	if err := j.deps.Sessions.UpdateRemoteID(ctx, sess.ID, hit.ID); err != nil {
		return true, StateFailed, fmt.Errorf("persist matched remote id: %w", err)
	}
	j.notifySuccess(sess)
	return true, StateSucceeded, nil
}

// pollStatus polls the upload status with bounded exponential backoff
// until the upstream yields an activity id.
func (j *Job) pollStatus(ctx context.Context, sess *session.WorkoutSession, accessToken string, uploadID int64, log zerolog.Logger) (State, error) {
	bo := j.deps.Config.pollBackoff()

	for attempt := 1; attempt <= j.deps.Config.PollMaxAttempts; attempt++ {
		status, err := j.deps.API.Status(ctx, accessToken, uploadID)
		switch {
		case err != nil && ctx.Err() != nil:
			return j.cancelled(ctx.Err())
		case err != nil && !strava.IsRetryable(err):
			return j.fail(err)
		case err != nil:
			// Transient poll errors consume an attempt and keep polling;
			// the attempt budget bounds them.
			log.Debug().Err(err).Int("poll_attempt", attempt).Msg("status poll error")
		case status.Error != "":
			return j.fail(&strava.APIError{Class: strava.ClassBadRequest, Message: status.Error})
		case status.ActivityID != nil:
			if err := j.deps.Sessions.UpdateRemoteID(ctx, sess.ID, *status.ActivityID); err != nil {
				return StateFailed, fmt.Errorf("persist remote id: %w", err)
			}
			j.deps.Breaker.OnSuccess()
			metrics.UploadPollAttempts.Observe(float64(attempt))
			j.notifySuccess(sess)
			return StateSucceeded, nil
		}

		if attempt == j.deps.Config.PollMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return j.cancelled(ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}

	// Attempts exhausted: the whole job is re-enqueued; re-entry is
	// idempotent through the local-mark and remote-duplicate checks.
	return StateRetrying, &strava.APIError{Class: strava.ClassPollTimeout, Message: fmt.Sprintf("no activity id after %d polls", j.deps.Config.PollMaxAttempts)}
}

// fail maps an upstream error to its terminal-vs-retry transition and
// runs the side effects the transition table prescribes.
func (j *Job) fail(err error) (State, error) {
	switch strava.ClassOf(err) {
	case strava.ClassAuthExpired:
		// A dead token will not heal itself; count it toward the trip.
		j.deps.Breaker.OnFailure()
		j.notifyFailure("Upload failed: reconnect your account.")
		return StateFailed, err

	case strava.ClassNotConnected:
		// A credentials problem, not a content one: point at reconnect.
		j.deps.Notifier.Show(notify.IDReconnectRequired,
			"Account not connected",
			"This workout was not uploaded. Connect your account to resume syncing.")
		return StateFailed, err

	case strava.ClassBadRequest:
		j.notifyFailure("Upload failed: the workout was rejected.")
		return StateFailed, err

	case strava.ClassRateLimitedApp, strava.ClassRateLimitedUser:
		// The client already recorded the authoritative reset.
		return StateRetrying, err

	default:
		j.deps.Breaker.OnFailure()
		return StateRetrying, err
	}
}

// cancelled handles mid-flight cancellation: the deferred payload cleanup
// still runs, and the interruption counts as a failure.
func (j *Job) cancelled(err error) (State, error) {
	j.deps.Breaker.OnFailure()
	return StateFailed, fmt.Errorf("upload cancelled: %w", err)
}

func (j *Job) notifySuccess(sess *session.WorkoutSession) {
	j.deps.Notifier.Show(notify.IDUploadComplete,
		"Workout uploaded",
		fmt.Sprintf("%q is now on your activity feed.", sess.Title))
}

func (j *Job) notifyFailure(body string) {
	j.deps.Notifier.Show(notify.IDUploadFailed, "Workout upload failed", body)
}
