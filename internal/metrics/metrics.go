// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package metrics exposes Prometheus instrumentation for the sync engine:
// upstream request outcomes, upload state-machine terminals, rate-window
// consumption, circuit breaker state and reconciliation sweeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream API metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_upstream_requests_total",
			Help: "Total upstream API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	UpstreamRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_upstream_rate_limited_total",
			Help: "Total HTTP 429 responses by declared scope",
		},
		[]string{"scope"},
	)

	// Rate-window estimation metrics
	RateWindowUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fitbridge_rate_window_usage",
			Help: "Current request/read counts per rate window",
		},
		[]string{"scope", "granularity", "kind"},
	)

	// Upload state machine metrics
	UploadTerminals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_upload_terminal_total",
			Help: "Upload jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	UploadPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fitbridge_upload_poll_attempts",
			Help:    "Status poll attempts per successful upload",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60},
		},
	)

	// Credential circuit breaker metrics
	BreakerFailureStreak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fitbridge_breaker_failure_streak",
			Help: "Consecutive upload failures counted by the credential breaker",
		},
	)

	BreakerTripped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fitbridge_breaker_tripped",
			Help: "Whether the credential breaker is tripped (1) or closed (0)",
		},
	)

	// Transient-failure circuit breaker (gobreaker) around the API client
	ClientBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fitbridge_client_breaker_state",
			Help: "API client circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	ClientBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_client_breaker_requests_total",
			Help: "API client circuit breaker request outcomes",
		},
		[]string{"name", "result"},
	)

	// Reconciliation sweep metrics
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_sweep_runs_total",
			Help: "Auto-sync sweep outcomes",
		},
		[]string{"result"},
	)

	SweepSessionsDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitbridge_sweep_sessions_discovered_total",
			Help: "New local sessions discovered by sweeps",
		},
	)

	SweepSessionsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitbridge_sweep_sessions_matched_total",
			Help: "Sessions reconciled against existing remote activities",
		},
	)

	NotificationsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitbridge_notifications_shown_total",
			Help: "User-visible notifications by kind",
		},
		[]string{"kind"},
	)
)
