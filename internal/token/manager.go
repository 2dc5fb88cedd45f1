// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package token owns the OAuth2 access/refresh token lifecycle. One token
// triple exists per installation; it is persisted encrypted and always
// written as a whole, never as a half-updated pair.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/store"
	"github.com/fitbridge/fitbridge/internal/strava"
)

// tokenKey is the store key for the single token record.
const tokenKey = "token:oauth"

// minValidity is how much remaining lifetime an access token needs to be
// served without a refresh.
const minValidity = 60 * time.Second

// Token is the persisted OAuth token triple.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is epoch seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// Refresher redeems a refresh token upstream. Satisfied by strava.API.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenResponse, error)
}

// Manager serializes all token reads and writes. Most OAuth providers
// invalidate a refresh token once used, so concurrent refreshes are
// deduplicated through a single flight: the first caller refreshes,
// the rest await its result.
type Manager struct {
	mu        sync.Mutex
	store     store.Store
	enc       *store.Encryptor
	refresher Refresher
	sf        singleflight.Group

	// cached mirrors the persisted record to avoid a store read per call.
	cached *Token
	loaded bool

	now func() time.Time
}

// NewManager creates a token manager. enc may be nil (encryption disabled).
func NewManager(st store.Store, enc *store.Encryptor, refresher Refresher) *Manager {
	return &Manager{store: st, enc: enc, refresher: refresher, now: time.Now}
}

// AccessToken returns an access token valid for at least another minute,
// refreshing through the upstream when needed.
//
// Fails with ClassNotConnected when no credentials are stored, and with
// ClassAuthExpired when the refresh fails or returns a malformed response.
// A malformed response never falls back to the stale token: any token that
// reaches the refresh path is about to expire, and serving it would turn a
// visible auth failure into a racy 401 downstream.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.current()
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", &strava.APIError{Class: strava.ClassNotConnected, Message: "no stored credentials"}
	}
	if m.fresh(tok) {
		return tok.AccessToken, nil
	}

	result, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh redeems the stored refresh token and atomically persists the new
// triple. Runs inside the single flight.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	// A concurrent flight may have refreshed while this caller waited.
	tok, err := m.current()
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", &strava.APIError{Class: strava.ClassNotConnected, Message: "no stored credentials"}
	}
	if m.fresh(tok) {
		return tok.AccessToken, nil
	}

	resp, err := m.refresher.RefreshToken(ctx, tok.RefreshToken)
	if err != nil {
		logging.Err(err).Msg("token refresh failed")
		return "", &strava.APIError{Class: strava.ClassAuthExpired, Message: fmt.Sprintf("token refresh: %v", err)}
	}
	if !resp.WellFormed() {
		logging.Error().Msg("token refresh returned malformed response")
		return "", &strava.APIError{Class: strava.ClassAuthExpired, Message: "malformed token refresh response"}
	}

	if err := m.Save(resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (m *Manager) fresh(tok *Token) bool {
	return time.Unix(tok.ExpiresAt, 0).Sub(m.now()) >= minValidity
}

// current returns the stored token, loading and caching it on first use.
// nil with no error means not connected.
func (m *Manager) current() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.cached, nil
	}

	data, err := m.store.Get(tokenKey)
	if errors.Is(err, store.ErrNotFound) {
		m.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	plain, err := m.enc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	m.cached = &tok
	m.loaded = true
	return m.cached, nil
}

// Save persists a new token triple atomically (one encrypted record) and
// updates the in-memory mirror. Used by both the refresh path and the
// connect flow.
func (m *Manager) Save(resp *strava.TokenResponse) error {
	if !resp.WellFormed() {
		return &strava.APIError{Class: strava.ClassAuthExpired, Message: "refusing to persist incomplete token triple"}
	}

	tok := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	data, err := json.Marshal(&tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	sealed, err := m.enc.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(tokenKey, sealed); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	m.cached = &tok
	m.loaded = true
	return nil
}

// Disconnect clears the stored credentials. Called by the credential
// circuit breaker and by explicit user disconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(tokenKey); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	m.cached = nil
	m.loaded = true
	logging.Info().Msg("stored credentials cleared")
	return nil
}

// Connected reports whether a token triple is stored.
func (m *Manager) Connected() bool {
	tok, err := m.current()
	return err == nil && tok != nil
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
