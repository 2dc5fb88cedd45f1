// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package strava

import (
	"errors"
	"testing"
)

func TestClassifyStatusTable(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		appScope bool
		want     ErrorClass
	}{
		{"401 unauthorized", 401, false, ClassAuthExpired},
		{"403 forbidden", 403, false, ClassAuthExpired},
		{"429 user scoped", 429, false, ClassRateLimitedUser},
		{"429 app scoped", 429, true, ClassRateLimitedApp},
		{"400 bad request", 400, false, ClassBadRequest},
		{"404 not found", 404, false, ClassBadRequest},
		{"422 unprocessable", 422, false, ClassBadRequest},
		{"500 server error", 500, false, ClassTransient},
		{"502 bad gateway", 502, false, ClassTransient},
		{"503 unavailable", 503, false, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.status, tt.appScope, "msg")
			if got.Class != tt.want {
				t.Errorf("Classify(%d, %v) = %s, want %s", tt.status, tt.appScope, got.Class, tt.want)
			}
			if got.Status != tt.status {
				t.Errorf("status = %d, want %d", got.Status, tt.status)
			}
		})
	}
}

func TestRetryablePolicy(t *testing.T) {
	retryable := []ErrorClass{ClassRateLimitedApp, ClassRateLimitedUser, ClassTransient, ClassPollTimeout}
	terminal := []ErrorClass{ClassNotConnected, ClassAuthExpired, ClassBadRequest}

	for _, class := range retryable {
		err := &APIError{Class: class}
		if !err.Retryable() {
			t.Errorf("%s should be retryable", class)
		}
	}
	for _, class := range terminal {
		err := &APIError{Class: class}
		if err.Retryable() {
			t.Errorf("%s should be terminal", class)
		}
	}
}

func TestClassOfUntaggedErrorsDefaultTransient(t *testing.T) {
	if got := ClassOf(errors.New("connection reset")); got != ClassTransient {
		t.Errorf("ClassOf(plain error) = %s, want %s", got, ClassTransient)
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("untagged errors default to the retryable path")
	}
}

func TestAPIErrorMessageIncludesStatus(t *testing.T) {
	err := &APIError{Class: ClassAuthExpired, Status: 401, Message: "invalid token"}
	want := "strava: auth_expired (HTTP 401): invalid token"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
