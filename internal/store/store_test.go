// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package store

import (
	"errors"
	"testing"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s := openTestBadger(t)

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := s.Set("session:abc", []byte(`{"id":"abc"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("session:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"id":"abc"}` {
		t.Errorf("Get = %q", got)
	}

	if err := s.Delete("session:abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("session:abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	if err := s.Set("rate:user:day", []byte("7")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get("rate:user:day")
	if err != nil || string(got) != "7" {
		t.Errorf("Get after reopen = %q, %v; want 7", got, err)
	}
}
