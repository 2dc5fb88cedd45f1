// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package tcx

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fitbridge/fitbridge/internal/session"
)

func testSession() *session.WorkoutSession {
	start := time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC)
	return &session.WorkoutSession{
		ID:           session.DeriveID("running", start),
		Source:       "running",
		Title:        "Morning Run",
		Description:  "easy pace",
		StartTime:    start,
		Duration:     30 * time.Minute,
		Calories:     300,
		AvgHeartRate: 140,
		HeartRateSamples: []session.HeartRateSample{
			{Time: start.Add(time.Minute), BPM: 130},
			{Time: start.Add(2 * time.Minute), BPM: 150},
		},
	}
}

func TestMarshalDocumentStructure(t *testing.T) {
	data, err := Marshal(testSession())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	doc := string(data)

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`xmlns="http://www.garmin.com/xmlschemas/TrainingCenterDatabase/v2"`,
		`Sport="Running"`,
		`<Id>2026-08-29T07:00:00Z</Id>`,
		`StartTime="2026-08-29T07:00:00Z"`,
		`<TotalTimeSeconds>1800</TotalTimeSeconds>`,
		`<Calories>300</Calories>`,
		`<AverageHeartRateBpm>`,
		`<Value>140</Value>`,
		`<Trackpoint>`,
		`<Time>2026-08-29T07:01:00Z</Time>`,
		`<Notes>easy pace</Notes>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestMarshalWithoutHeartRateOmitsTrack(t *testing.T) {
	s := testSession()
	s.AvgHeartRate = 0
	s.HeartRateSamples = nil

	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	doc := string(data)

	if strings.Contains(doc, "<Track>") {
		t.Error("document should omit Track without samples")
	}
	if strings.Contains(doc, "<AverageHeartRateBpm>") {
		t.Error("document should omit AverageHeartRateBpm without data")
	}
}

func TestSportMapping(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"running", "Running"},
		{"cycling", "Biking"},
		{"swimming", "Other"},
		{"rowing", "Other"},
	}
	for _, tt := range tests {
		s := testSession()
		s.Source = tt.source
		data, err := Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", tt.source, err)
		}
		if !strings.Contains(string(data), `Sport="`+tt.want+`"`) {
			t.Errorf("source %s should map to Sport=%s", tt.source, tt.want)
		}
	}
}

func TestWriteTempCleanupRemovesFile(t *testing.T) {
	path, cleanup, err := WriteTemp(testSession())
	if err != nil {
		t.Fatalf("WriteTemp: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !strings.Contains(string(data), "TrainingCenterDatabase") {
		t.Error("payload file missing TCX content")
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("payload file still exists after cleanup: %v", err)
	}
}
