// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package strava

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass tags every remote-call failure with its retry policy. The
// mapping from HTTP status to class lives in one table (Classify) instead
// of inline conditionals per call site.
type ErrorClass string

const (
	// ClassNotConnected: no credentials are stored at all.
	ClassNotConnected ErrorClass = "not_connected"

	// ClassAuthExpired: 401/403, terminal per job; a dead token will not
	// heal itself.
	ClassAuthExpired ErrorClass = "auth_expired"

	// ClassRateLimitedApp: 429 declared app-wide by the upstream.
	ClassRateLimitedApp ErrorClass = "rate_limited_app"

	// ClassRateLimitedUser: 429 scoped to this credential.
	ClassRateLimitedUser ErrorClass = "rate_limited_user"

	// ClassBadRequest: 4xx content problem, terminal per job.
	ClassBadRequest ErrorClass = "bad_request"

	// ClassTransient: network error or 5xx, retried with backoff.
	ClassTransient ErrorClass = "transient"

	// ClassPollTimeout: status polling exhausted its attempts; the whole
	// job is re-enqueued.
	ClassPollTimeout ErrorClass = "poll_timeout"
)

// APIError is the tagged error for every upstream failure.
type APIError struct {
	Class   ErrorClass
	Status  int
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("strava: %s (HTTP %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("strava: %s: %s", e.Class, e.Message)
}

// Retryable reports whether the scheduler should re-deliver the job.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassRateLimitedApp, ClassRateLimitedUser, ClassTransient, ClassPollTimeout:
		return true
	default:
		return false
	}
}

// ClassOf extracts the error class, or ClassTransient for untagged errors
// so unknown failures default to the retryable path.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassTransient
}

// IsRetryable reports the retry policy for any error per the taxonomy.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// Classify maps an HTTP status (plus the 429 scope header value) to the
// error taxonomy. This is the single status-to-policy table.
func Classify(status int, appScope bool, message string) *APIError {
	var class ErrorClass
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ClassAuthExpired
	case status == http.StatusTooManyRequests && appScope:
		class = ClassRateLimitedApp
	case status == http.StatusTooManyRequests:
		class = ClassRateLimitedUser
	case status >= 400 && status < 500:
		class = ClassBadRequest
	default:
		class = ClassTransient
	}
	return &APIError{Class: class, Status: status, Message: message}
}

// transientErr wraps a transport-level failure into the taxonomy.
func transientErr(err error) *APIError {
	return &APIError{Class: ClassTransient, Message: err.Error()}
}
