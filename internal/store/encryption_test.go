// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package store

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	plain := []byte(`{"access_token":"secret"}`)
	sealed, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %q, want %q", got, plain)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := enc.Encrypt([]byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := enc.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Decrypt([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNilEncryptorPassesThrough(t *testing.T) {
	enc, err := NewEncryptor("")
	if err != nil {
		t.Fatalf("empty key should disable encryption, got %v", err)
	}
	if enc != nil {
		t.Fatal("empty key should yield a nil encryptor")
	}

	plain := []byte("plain")
	sealed, err := enc.Encrypt(plain)
	if err != nil || !bytes.Equal(sealed, plain) {
		t.Errorf("nil Encrypt = %q, %v; want passthrough", sealed, err)
	}
	got, err := enc.Decrypt(plain)
	if err != nil || !bytes.Equal(got, plain) {
		t.Errorf("nil Decrypt = %q, %v; want passthrough", got, err)
	}
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	if _, err := NewEncryptor("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("tooshort"))
	if _, err := NewEncryptor(short); err == nil {
		t.Error("expected error for a key under 16 bytes")
	}
}

func TestMemStoreBasicOperations(t *testing.T) {
	m := NewMemStore()

	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := m.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get("k")
	if err != nil || string(got) != "v" {
		t.Errorf("Get = %q, %v; want v", got, err)
	}

	if err := m.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}
