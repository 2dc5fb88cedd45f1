// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package notify is the user-facing notification sink. The platform's
// notification surface is an external collaborator; the engine only shows
// and cancels notices by numeric id through the Notifier interface.
package notify

import (
	"golang.org/x/time/rate"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/metrics"
)

// Notification ids. Stable so a newer notice replaces its predecessor.
const (
	IDUploadComplete    = 1001
	IDUploadFailed      = 1002
	IDReconnectRequired = 1003
)

// Notifier shows and cancels user-visible notices.
type Notifier interface {
	// Show displays (or replaces) the notice with the given id.
	Show(id int, title, body string)

	// Cancel removes the notice with the given id, if shown.
	Cancel(id int)
}

// StormLimited wraps a Notifier so repeated-failure notices are emitted at
// most once per the configured interval process-wide. Terminal-success and
// reconnect notices pass through unlimited; only the failure id is gated,
// preventing notification storms under rapid retry.
type StormLimited struct {
	inner   Notifier
	limiter *rate.Limiter
}

// NewStormLimited wraps inner, allowing one failure notice per interval.
func NewStormLimited(inner Notifier, perInterval rate.Limit) *StormLimited {
	return &StormLimited{
		inner:   inner,
		limiter: rate.NewLimiter(perInterval, 1),
	}
}

// Show displays the notice, dropping gated failure notices over the limit.
func (s *StormLimited) Show(id int, title, body string) {
	if id == IDUploadFailed && !s.limiter.Allow() {
		logging.Debug().Int("id", id).Msg("failure notice suppressed by storm limiter")
		return
	}
	s.inner.Show(id, title, body)
}

// Cancel removes the notice.
func (s *StormLimited) Cancel(id int) {
	s.inner.Cancel(id)
}

// LogNotifier emits notices as structured log events. It stands in for the
// platform notification surface in headless deployments and tests.
type LogNotifier struct{}

// Show logs the notice.
func (LogNotifier) Show(id int, title, body string) {
	kind := "other"
	switch id {
	case IDUploadComplete:
		kind = "upload_complete"
	case IDUploadFailed:
		kind = "upload_failed"
	case IDReconnectRequired:
		kind = "reconnect_required"
	}
	metrics.NotificationsShown.WithLabelValues(kind).Inc()
	logging.Info().Int("id", id).Str("title", title).Str("body", body).Msg("notification")
}

// Cancel logs the cancellation.
func (LogNotifier) Cancel(id int) {
	logging.Debug().Int("id", id).Msg("notification cancelled")
}
