// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitbridge/fitbridge/internal/store"
	"github.com/fitbridge/fitbridge/internal/strava"
)

// fakeRefresher counts refresh calls and returns a scripted response.
type fakeRefresher struct {
	calls int32
	resp  *strava.TokenResponse
	err   error
	delay time.Duration
}

func (f *fakeRefresher) RefreshToken(_ context.Context, _ string) (*strava.TokenResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.resp, f.err
}

func testClock() (func() time.Time, time.Time) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }, now
}

func classOf(t *testing.T, err error) strava.ErrorClass {
	t.Helper()
	var apiErr *strava.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *strava.APIError, got %T: %v", err, err)
	}
	return apiErr.Class
}

func TestAccessTokenNotConnected(t *testing.T) {
	m := NewManager(store.NewMemStore(), nil, &fakeRefresher{})

	_, err := m.AccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error with no stored credentials")
	}
	if got := classOf(t, err); got != strava.ClassNotConnected {
		t.Errorf("class = %s, want %s", got, strava.ClassNotConnected)
	}
	if m.Connected() {
		t.Error("Connected() should be false with no stored credentials")
	}
}

func TestAccessTokenServesFreshWithoutRefresh(t *testing.T) {
	ref := &fakeRefresher{}
	m := NewManager(store.NewMemStore(), nil, ref)
	clock, now := testClock()
	m.SetClock(clock)

	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "acc-1" {
		t.Errorf("token = %q, want acc-1", tok)
	}
	if ref.calls != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh token", ref.calls)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	clock, now := testClock()
	ref := &fakeRefresher{resp: &strava.TokenResponse{
		AccessToken:  "acc-2",
		RefreshToken: "ref-2",
		ExpiresAt:    now.Add(6 * time.Hour).Unix(),
	}}
	m := NewManager(store.NewMemStore(), nil, ref)
	m.SetClock(clock)

	// 30s of validity left is under the one-minute floor.
	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(30 * time.Second).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "acc-2" {
		t.Errorf("token = %q, want refreshed acc-2", tok)
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls)
	}

	// The new triple is persisted: a second call serves from it.
	tok, err = m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("second AccessToken: %v", err)
	}
	if tok != "acc-2" || ref.calls != 1 {
		t.Errorf("second call: token=%q calls=%d, want acc-2 and 1", tok, ref.calls)
	}
}

func TestAccessTokenMalformedRefreshFailsHard(t *testing.T) {
	clock, now := testClock()
	// Missing refresh token in the response.
	ref := &fakeRefresher{resp: &strava.TokenResponse{
		AccessToken: "acc-2",
		ExpiresAt:   now.Add(6 * time.Hour).Unix(),
	}}
	m := NewManager(store.NewMemStore(), nil, ref)
	m.SetClock(clock)

	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(10 * time.Second).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := m.AccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error for malformed refresh response")
	}
	if got := classOf(t, err); got != strava.ClassAuthExpired {
		t.Errorf("class = %s, want %s", got, strava.ClassAuthExpired)
	}
}

func TestAccessTokenRefreshErrorMapsToAuthExpired(t *testing.T) {
	clock, now := testClock()
	ref := &fakeRefresher{err: errors.New("invalid_grant")}
	m := NewManager(store.NewMemStore(), nil, ref)
	m.SetClock(clock)

	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(10 * time.Second).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := m.AccessToken(context.Background())
	if got := classOf(t, err); got != strava.ClassAuthExpired {
		t.Errorf("class = %s, want %s", got, strava.ClassAuthExpired)
	}
}

func TestConcurrentAccessRefreshesOnce(t *testing.T) {
	clock, now := testClock()
	ref := &fakeRefresher{
		delay: 20 * time.Millisecond,
		resp: &strava.TokenResponse{
			AccessToken:  "acc-2",
			RefreshToken: "ref-2",
			ExpiresAt:    now.Add(6 * time.Hour).Unix(),
		},
	}
	m := NewManager(store.NewMemStore(), nil, ref)
	m.SetClock(clock)

	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(10 * time.Second).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background())
			if err != nil {
				t.Errorf("AccessToken: %v", err)
				return
			}
			if tok != "acc-2" {
				t.Errorf("token = %q, want acc-2", tok)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&ref.calls); got != 1 {
		t.Errorf("refresh calls = %d, want 1 across concurrent callers", got)
	}
}

func TestDisconnectClearsCredentials(t *testing.T) {
	clock, now := testClock()
	m := NewManager(store.NewMemStore(), nil, &fakeRefresher{})
	m.SetClock(clock)

	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !m.Connected() {
		t.Fatal("Connected() should be true after Save")
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.Connected() {
		t.Error("Connected() should be false after Disconnect")
	}
	_, err := m.AccessToken(context.Background())
	if got := classOf(t, err); got != strava.ClassNotConnected {
		t.Errorf("class after disconnect = %s, want %s", got, strava.ClassNotConnected)
	}
}

func TestSaveRejectsIncompleteTriple(t *testing.T) {
	m := NewManager(store.NewMemStore(), nil, &fakeRefresher{})

	err := m.Save(&strava.TokenResponse{AccessToken: "acc-only"})
	if err == nil {
		t.Fatal("expected error persisting an incomplete triple")
	}
	if m.Connected() {
		t.Error("incomplete triple must not leave credentials stored")
	}
}

func TestTokenSurvivesManagerRestartEncrypted(t *testing.T) {
	st := store.NewMemStore()
	enc, err := store.NewEncryptor("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	clock, now := testClock()

	m := NewManager(st, enc, &fakeRefresher{})
	m.SetClock(clock)
	if err := m.Save(&strava.TokenResponse{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The persisted record is ciphertext, not the raw token.
	raw, err := st.Get("token:oauth")
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if string(raw) == "acc-1" || len(raw) == 0 {
		t.Error("persisted token should be encrypted")
	}

	m2 := NewManager(st, enc, &fakeRefresher{})
	m2.SetClock(clock)
	tok, err := m2.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken after restart: %v", err)
	}
	if tok != "acc-1" {
		t.Errorf("token after restart = %q, want acc-1", tok)
	}
}
