// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package breaker implements the credential tripwire: three consecutive
// upload failures force a full disconnect so a revoked token cannot burn
// the whole rate budget on guaranteed failures.
//
// This breaker does not recover on its own. Once tripped it stays open,
// with credentials cleared, until the user reconnects. The time-recovering
// circuit breaker for transient upstream trouble lives in
// internal/strava.BreakerClient.
package breaker

import (
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/metrics"
	"github.com/fitbridge/fitbridge/internal/notify"
	"github.com/fitbridge/fitbridge/internal/store"
)

// stateKey is the store key for the persisted breaker state, so a trip
// survives process restarts until reconnection.
const stateKey = "breaker:upload"

// TripThreshold is the consecutive-failure count that trips the breaker.
const TripThreshold = 3

// Disconnector clears stored credentials. Satisfied by token.Manager.
type Disconnector interface {
	Disconnect() error
}

// state is the persisted record. Invariant: Tripped implies
// FailureCount >= TripThreshold; any success resets both.
type state struct {
	FailureCount int  `json:"failure_count"`
	Tripped      bool `json:"tripped"`
}

// Breaker is the upload credential circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	store        store.Store
	disconnector Disconnector
	notifier     notify.Notifier
}

// New creates a breaker persisting its state in st.
func New(st store.Store, disconnector Disconnector, notifier notify.Notifier) *Breaker {
	return &Breaker{store: st, disconnector: disconnector, notifier: notifier}
}

func (b *Breaker) load() state {
	data, err := b.store.Get(stateKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Err(err).Msg("load breaker state")
		}
		return state{}
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Err(err).Msg("decode breaker state")
		return state{}
	}
	return s
}

func (b *Breaker) save(s state) {
	data, err := json.Marshal(&s)
	if err != nil {
		return
	}
	if err := b.store.Set(stateKey, data); err != nil {
		logging.Err(err).Msg("persist breaker state")
	}

	metrics.BreakerFailureStreak.Set(float64(s.FailureCount))
	if s.Tripped {
		metrics.BreakerTripped.Set(1)
	} else {
		metrics.BreakerTripped.Set(0)
	}
}

// OnFailure counts one terminal-class failure. Reaching the threshold
// trips the breaker, clears the stored credentials and raises the
// reconnect-required notice.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load()
	s.FailureCount++
	if s.FailureCount >= TripThreshold && !s.Tripped {
		s.Tripped = true
		b.save(s)

		logging.Warn().Int("failures", s.FailureCount).Msg("credential breaker tripped; disconnecting")
		if err := b.disconnector.Disconnect(); err != nil {
			logging.Err(err).Msg("clear credentials after breaker trip")
		}
		b.notifier.Show(notify.IDReconnectRequired,
			"Reconnect required",
			"Uploads are paused until you reconnect your account.")
		return
	}
	b.save(s)
}

// OnSuccess resets the failure streak and closes the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.save(state{})
}

// Tripped reports whether the breaker is open. New upload jobs
// short-circuit at their first step while it is.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load().Tripped
}

// FailureCount returns the current consecutive-failure streak.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load().FailureCount
}

// Reset closes the breaker explicitly. Called when the user reconnects.
func (b *Breaker) Reset() {
	b.OnSuccess()
}
