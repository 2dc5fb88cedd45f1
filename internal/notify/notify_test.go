// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package notify

import (
	"testing"

	"golang.org/x/time/rate"
)

type recordingNotifier struct {
	shown []int
}

func (r *recordingNotifier) Show(id int, _, _ string) {
	r.shown = append(r.shown, id)
}

func (r *recordingNotifier) Cancel(int) {}

func TestStormLimiterGatesOnlyFailureNotices(t *testing.T) {
	inner := &recordingNotifier{}
	// One failure notice allowed, then the bucket is empty.
	n := NewStormLimited(inner, rate.Limit(1e-9))

	n.Show(IDUploadFailed, "t", "b")
	n.Show(IDUploadFailed, "t", "b")
	n.Show(IDUploadFailed, "t", "b")

	failures := 0
	for _, id := range inner.shown {
		if id == IDUploadFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failure notices shown = %d, want 1 inside the interval", failures)
	}

	// Success and reconnect notices are never gated.
	n.Show(IDUploadComplete, "t", "b")
	n.Show(IDUploadComplete, "t", "b")
	n.Show(IDReconnectRequired, "t", "b")

	if len(inner.shown) != 4 {
		t.Errorf("total notices shown = %d, want 4 (1 failure + 3 ungated)", len(inner.shown))
	}
}
