// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package strava

import "time"

// TokenResponse is the OAuth token endpoint response for both the refresh
// and authorization-code grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is epoch seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// WellFormed reports whether the response carries a complete token triple.
// A malformed refresh response is treated as an auth failure, never served
// as a stale token.
func (t *TokenResponse) WellFormed() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != "" && t.ExpiresAt > 0
}

// RemoteActivity is an immutable snapshot of an upstream activity, fetched
// read-only for duplicate matching and never persisted.
type RemoteActivity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`

	// StartDate is ISO-8601 as sent by the upstream; parse via StartEpoch.
	StartDate string `json:"start_date"`
}

// StartEpoch parses the activity start time. Malformed or missing
// timestamps return ok=false; they never match a session.
func (a *RemoteActivity) StartEpoch() (int64, bool) {
	if a.StartDate == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, a.StartDate)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

// UploadRequest is the multipart upload payload description.
type UploadRequest struct {
	// FilePath is the local fitness-interchange file to send.
	FilePath string

	// DataType identifies the file format, e.g. "tcx".
	DataType string

	SportType   string
	Name        string
	Description string
}

// UploadStatus is the upload creation/status response. ActivityID stays nil
// until the upstream finishes processing the file.
type UploadStatus struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`

	ActivityID *int64 `json:"activity_id"`
}

// providerError is the upstream's 4xx response body shape.
type providerError struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}
