// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package ratelimit estimates remote-API consumption locally so the engine
// self-throttles before the upstream starts returning 429s.
//
// Consumption is counted in four windows: (app, user) scopes crossed with
// (15-minute, daily) granularities. Bucket keys derive from UTC epoch
// arithmetic, never local wall-clock fields, so DST and clock changes
// cannot corrupt window boundaries. An actual 429 overrides estimation
// with the upstream-declared reset time until it elapses.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/metrics"
	"github.com/fitbridge/fitbridge/internal/store"
)

const (
	counterKeyPrefix = "rate:"
	resetKey         = "rate:reset"

	quarterMillis = 15 * 60 * 1000
	dayMillis     = 24 * 60 * 60 * 1000

	// nearLimitFraction is the budget share at which the engine starts
	// deferring optional work.
	nearLimitFraction = 0.9
)

type scope string

const (
	scopeApp  scope = "app"
	scopeUser scope = "user"
)

type granularity string

const (
	granQuarter granularity = "quarter"
	granDay     granularity = "day"
)

// WindowLimits holds the ceilings for one scope×granularity window.
type WindowLimits struct {
	Reads    int
	Requests int
}

// Limits holds all four window ceilings.
type Limits struct {
	UserQuarter WindowLimits
	UserDay     WindowLimits
	AppQuarter  WindowLimits
	AppDay      WindowLimits
}

// DefaultLimits mirrors the upstream's published per-user budget, with a
// 10x app-wide scope for the shared API credential.
func DefaultLimits() Limits {
	return Limits{
		UserQuarter: WindowLimits{Reads: 90, Requests: 180},
		UserDay:     WindowLimits{Reads: 900, Requests: 1800},
		AppQuarter:  WindowLimits{Reads: 900, Requests: 1800},
		AppDay:      WindowLimits{Reads: 9000, Requests: 18000},
	}
}

// counter is the persisted per-window record. Counts never decrease within
// a bucket; a stored bucket key differing from the current key means the
// counter is logically reset before being read or incremented.
type counter struct {
	BucketKey int64 `json:"bucket"`
	Requests  int   `json:"requests"`
	Reads     int   `json:"reads"`
}

// resetRecord is the persisted authoritative 429 reset.
type resetRecord struct {
	ResetUnix int64 `json:"reset_unix"`
	AppWide   bool  `json:"app_wide"`
}

type window struct {
	scope  scope
	gran   granularity
	limits WindowLimits
}

// Tracker is the local quota estimator. All state flows through the
// injected store, serialized behind one mutex: the periodic sweep and
// manual triggers run concurrently.
type Tracker struct {
	mu      sync.Mutex
	store   store.Store
	windows []window

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a tracker persisting its counters in st.
func New(st store.Store, limits Limits) *Tracker {
	return &Tracker{
		store: st,
		windows: []window{
			{scopeUser, granQuarter, limits.UserQuarter},
			{scopeUser, granDay, limits.UserDay},
			{scopeApp, granQuarter, limits.AppQuarter},
			{scopeApp, granDay, limits.AppDay},
		},
		now: time.Now,
	}
}

func counterKey(s scope, g granularity) string {
	return fmt.Sprintf("%s%s:%s", counterKeyPrefix, s, g)
}

// bucketKey computes the current UTC-epoch bucket key for a granularity.
func bucketKey(nowMillis int64, g granularity) int64 {
	if g == granDay {
		return nowMillis / dayMillis
	}
	return nowMillis / 60_000 / 15
}

// loadCounter reads a persisted counter, logically resetting it when its
// stored bucket key is stale.
func (t *Tracker) loadCounter(w window, nowMillis int64) counter {
	key := bucketKey(nowMillis, w.gran)

	data, err := t.store.Get(counterKey(w.scope, w.gran))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Err(err).Str("window", counterKey(w.scope, w.gran)).Msg("load rate counter")
		}
		return counter{BucketKey: key}
	}

	var c counter
	if err := json.Unmarshal(data, &c); err != nil {
		logging.Err(err).Str("window", counterKey(w.scope, w.gran)).Msg("decode rate counter")
		return counter{BucketKey: key}
	}
	if c.BucketKey != key {
		return counter{BucketKey: key}
	}
	return c
}

func (t *Tracker) saveCounter(w window, c counter) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := t.store.Set(counterKey(w.scope, w.gran), data); err != nil {
		logging.Err(err).Str("window", counterKey(w.scope, w.gran)).Msg("persist rate counter")
	}

	metrics.RateWindowUsage.WithLabelValues(string(w.scope), string(w.gran), "requests").Set(float64(c.Requests))
	metrics.RateWindowUsage.WithLabelValues(string(w.scope), string(w.gran), "reads").Set(float64(c.Reads))
}

// RecordRequest counts one sent request in every window; reads also count
// against the read ceilings.
func (t *Tracker) RecordRequest(isRead bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMillis := t.now().UTC().UnixMilli()
	for _, w := range t.windows {
		c := t.loadCounter(w, nowMillis)
		c.Requests++
		if isRead {
			c.Reads++
		}
		t.saveCounter(w, c)
	}
}

// IsNearLimit reports whether any window has reached 90% of a ceiling.
// The sweep defers optional work at this point; jobs already in flight
// may still spend the remainder.
func (t *Tracker) IsNearLimit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMillis := t.now().UTC().UnixMilli()
	for _, w := range t.windows {
		c := t.loadCounter(w, nowMillis)
		if nearCeiling(c.Requests, w.limits.Requests) || nearCeiling(c.Reads, w.limits.Reads) {
			return true
		}
	}
	return false
}

func nearCeiling(count, ceiling int) bool {
	return float64(count) >= float64(ceiling)*nearLimitFraction
}

// IsLimitReached reports whether any ceiling is hit, or an authoritative
// upstream-declared reset is still in the future.
func (t *Tracker) IsLimitReached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resetPendingLocked() {
		return true
	}

	nowMillis := t.now().UTC().UnixMilli()
	for _, w := range t.windows {
		c := t.loadCounter(w, nowMillis)
		if c.Requests >= w.limits.Requests || c.Reads >= w.limits.Reads {
			return true
		}
	}
	return false
}

// ResetPending reports whether an upstream-declared reset has not yet
// elapsed.
func (t *Tracker) ResetPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetPendingLocked()
}

func (t *Tracker) resetPendingLocked() bool {
	rec, ok := t.loadReset()
	return ok && time.Unix(rec.ResetUnix, 0).After(t.now())
}

func (t *Tracker) loadReset() (resetRecord, bool) {
	data, err := t.store.Get(resetKey)
	if err != nil {
		return resetRecord{}, false
	}
	var rec resetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return resetRecord{}, false
	}
	return rec, true
}

// RecordUpstreamRateLimited stores the authoritative reset time from an
// actual 429; it overrides local estimation until it elapses.
func (t *Tracker) RecordUpstreamRateLimited(reset time.Time, appWide bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := resetRecord{ResetUnix: reset.Unix(), AppWide: appWide}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := t.store.Set(resetKey, data); err != nil {
		logging.Err(err).Msg("persist upstream rate-limit reset")
	}

	logging.Warn().
		Time("reset", reset).
		Bool("app_wide", appWide).
		Msg("upstream declared rate limit; deferring until reset")
}

// ResetHint returns the time remaining until the sooner of the
// authoritative reset and the next 15-minute UTC boundary.
func (t *Tracker) ResetHint() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	boundary := now.Truncate(15 * time.Minute).Add(15 * time.Minute)
	hint := boundary.Sub(now)

	if rec, ok := t.loadReset(); ok {
		if authoritative := time.Unix(rec.ResetUnix, 0).Sub(now); authoritative > 0 && authoritative < hint {
			hint = authoritative
		}
	}
	return hint
}

// Usage describes one window's consumption for the status surface.
type Usage struct {
	Scope       string `json:"scope"`
	Granularity string `json:"granularity"`
	Requests    int    `json:"requests"`
	Reads       int    `json:"reads"`
	MaxRequests int    `json:"max_requests"`
	MaxReads    int    `json:"max_reads"`
}

// Snapshot returns current consumption across all windows.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMillis := t.now().UTC().UnixMilli()
	usages := make([]Usage, 0, len(t.windows))
	for _, w := range t.windows {
		c := t.loadCounter(w, nowMillis)
		usages = append(usages, Usage{
			Scope:       string(w.scope),
			Granularity: string(w.gran),
			Requests:    c.Requests,
			Reads:       c.Reads,
			MaxRequests: w.limits.Requests,
			MaxReads:    w.limits.Reads,
		})
	}
	return usages
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
