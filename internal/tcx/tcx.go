// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package tcx writes workout sessions as Training Center XML, the
// fitness-interchange format the upstream upload endpoint accepts.
package tcx

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/fitbridge/fitbridge/internal/session"
)

const xmlns = "http://www.garmin.com/xmlschemas/TrainingCenterDatabase/v2"

// Training Center XML document structure, limited to the fields the
// engine records.
type document struct {
	XMLName    xml.Name `xml:"TrainingCenterDatabase"`
	Xmlns      string   `xml:"xmlns,attr"`
	Activities struct {
		Activity activity `xml:"Activity"`
	} `xml:"Activities"`
}

type activity struct {
	Sport string `xml:"Sport,attr"`
	ID    string `xml:"Id"`
	Lap   lap    `xml:"Lap"`
	Notes string `xml:"Notes,omitempty"`
}

type lap struct {
	StartTime        string    `xml:"StartTime,attr"`
	TotalTimeSeconds float64   `xml:"TotalTimeSeconds"`
	Calories         int       `xml:"Calories"`
	AvgHeartRate     *bpmValue `xml:"AverageHeartRateBpm,omitempty"`
	Intensity        string    `xml:"Intensity"`
	TriggerMethod    string    `xml:"TriggerMethod"`
	Track            *track    `xml:"Track,omitempty"`
}

type track struct {
	Trackpoints []trackpointEntry `xml:"Trackpoint"`
}

type trackpointEntry struct {
	Time      string   `xml:"Time"`
	HeartRate bpmValue `xml:"HeartRateBpm"`
}

type bpmValue struct {
	Value int `xml:"Value"`
}

// sport maps the session source to the TCX Sport attribute, which only
// admits Running, Biking and Other.
func sport(s *session.WorkoutSession) string {
	switch s.Source {
	case "running":
		return "Running"
	case "cycling":
		return "Biking"
	default:
		return "Other"
	}
}

// Marshal renders the session as a TCX document.
func Marshal(s *session.WorkoutSession) ([]byte, error) {
	doc := document{Xmlns: xmlns}
	doc.Activities.Activity = activity{
		Sport: sport(s),
		ID:    s.StartTime.UTC().Format(time.RFC3339),
		Notes: s.Description,
		Lap: lap{
			StartTime:        s.StartTime.UTC().Format(time.RFC3339),
			TotalTimeSeconds: s.Duration.Seconds(),
			Calories:         s.Calories,
			Intensity:        "Active",
			TriggerMethod:    "Manual",
		},
	}

	if s.AvgHeartRate > 0 {
		doc.Activities.Activity.Lap.AvgHeartRate = &bpmValue{Value: s.AvgHeartRate}
	}
	if len(s.HeartRateSamples) > 0 {
		tr := &track{}
		for _, sample := range s.HeartRateSamples {
			tr.Trackpoints = append(tr.Trackpoints, trackpointEntry{
				Time:      sample.Time.UTC().Format(time.RFC3339),
				HeartRate: bpmValue{Value: sample.BPM},
			})
		}
		doc.Activities.Activity.Lap.Track = tr
	}

	body, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tcx: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// WriteTemp writes the session's TCX document to a temp file and returns
// its path plus a cleanup function. The cleanup must run on every exit
// path of the upload, including failure and cancellation.
func WriteTemp(s *session.WorkoutSession) (path string, cleanup func(), err error) {
	data, err := Marshal(s)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "fitbridge-*.tcx")
	if err != nil {
		return "", nil, fmt.Errorf("create payload file: %w", err)
	}

	cleanup = func() { _ = os.Remove(f.Name()) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close payload file: %w", err)
	}
	return f.Name(), cleanup, nil
}
