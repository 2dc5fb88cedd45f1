// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package health defines the health-data source the engine consumes.
// The platform's record store is an external collaborator; the engine only
// reads time-ranged exercise and heart-rate records through this interface.
package health

import (
	"context"
	"time"
)

// ExerciseRecord is one workout as recorded by the device's health store.
type ExerciseRecord struct {
	// Source identifies the recording activity type, e.g. "running".
	Source string `json:"source"`

	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`

	// Duration travels as nanoseconds on the wire.
	Duration time.Duration `json:"duration"`
	Calories int           `json:"calories,omitempty"`
}

// HeartRateSample is a single heart-rate reading.
type HeartRateSample struct {
	Time time.Time `json:"time"`
	BPM  int       `json:"bpm"`
}

// Source reads time-ranged records from the device health store.
// Reads are cheap and local; the engine calls them every sweep.
type Source interface {
	// ExerciseRecords returns workouts whose start time falls in [from, to).
	ExerciseRecords(ctx context.Context, from, to time.Time) ([]ExerciseRecord, error)

	// HeartRateSamples returns samples recorded in [from, to), ordered by time.
	HeartRateSamples(ctx context.Context, from, to time.Time) ([]HeartRateSample, error)
}
