// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package match decides whether a local session and a remote activity are
// the same workout, by start-time tolerance alone.
package match

import (
	"time"

	"github.com/fitbridge/fitbridge/internal/session"
	"github.com/fitbridge/fitbridge/internal/strava"
)

// DefaultTolerance is the start-time window within which a remote activity
// is considered the same workout as a local session.
const DefaultTolerance = 5 * time.Minute

// Matches reports whether the candidate start time falls strictly within
// tolerance of the session start time.
func Matches(sessionEpoch, candidateEpoch int64, tolerance time.Duration) bool {
	delta := sessionEpoch - candidateEpoch
	if delta < 0 {
		delta = -delta
	}
	return delta < int64(tolerance.Seconds())
}

// FindMatch scans candidates in order and returns the first one within
// tolerance of the session start, or nil. Candidates with malformed or
// missing timestamps never match.
func FindMatch(s *session.WorkoutSession, candidates []strava.RemoteActivity, tolerance time.Duration) *strava.RemoteActivity {
	sessionEpoch := s.StartTime.Unix()
	for i := range candidates {
		candidateEpoch, ok := candidates[i].StartEpoch()
		if !ok {
			continue
		}
		if Matches(sessionEpoch, candidateEpoch, tolerance) {
			return &candidates[i]
		}
	}
	return nil
}
