// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package session holds the local workout record and its persistence.
//
// A WorkoutSession is created by the health-data ingestion path, mutated
// only to set or clear its remote activity id, and deleted only by explicit
// user action.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// idNamespace namespaces deterministic session ids so they cannot collide
// with UUIDs minted elsewhere.
var idNamespace = uuid.MustParse("6f2f43d8-9e0b-4c55-a6a3-52f9f1cf4b11")

// HeartRateSample is one point of the ordered heart-rate sequence.
type HeartRateSample struct {
	Time time.Time `json:"time"`
	BPM  int       `json:"bpm"`
}

// WorkoutSession is a locally recorded workout pending or already
// reconciled with the remote service.
type WorkoutSession struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Calories    int           `json:"calories"`

	// AvgHeartRate is zero when the source recorded no heart-rate data.
	AvgHeartRate int `json:"avg_heart_rate,omitempty"`

	// HeartRateSamples is ordered by time.
	HeartRateSamples []HeartRateSample `json:"heart_rate_samples,omitempty"`

	// RemoteID is the upstream activity id once the session is reconciled;
	// zero means not yet uploaded or matched.
	RemoteID int64 `json:"remote_id,omitempty"`
}

// DeriveID computes the deterministic session identity from the source name
// and start timestamp, so repeated ingestion of the same record is
// idempotent.
func DeriveID(source string, start time.Time) string {
	seed := fmt.Sprintf("%s|%d", source, start.UnixMilli())
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

// Synced reports whether the session already has a remote activity id.
func (s *WorkoutSession) Synced() bool {
	return s.RemoteID != 0
}

// SportType maps the session's source record type to the upstream sport
// taxonomy. Unknown sources upload as generic workouts.
func (s *WorkoutSession) SportType() string {
	switch s.Source {
	case "running":
		return "Run"
	case "cycling":
		return "Ride"
	case "swimming":
		return "Swim"
	case "walking":
		return "Walk"
	case "hiking":
		return "Hike"
	default:
		return "Workout"
	}
}
