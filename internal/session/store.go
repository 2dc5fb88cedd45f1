// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// ErrNotFound indicates no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// sessionKeyPrefix namespaces session records in the shared badger database.
const sessionKeyPrefix = "session:"

// Store is the local session store consumed by the sync engine.
type Store interface {
	// Insert stores a new session. Inserting an existing id overwrites it
	// with identical content (ids are deterministic), so ingestion stays
	// idempotent.
	Insert(ctx context.Context, s *WorkoutSession) error

	// Get returns the session with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*WorkoutSession, error)

	// All returns every stored session.
	All(ctx context.Context) ([]*WorkoutSession, error)

	// UpdateRemoteID sets (or clears, with 0) the remote activity id.
	UpdateRemoteID(ctx context.Context, id string, remoteID int64) error

	// Delete removes the sessions with the given ids.
	Delete(ctx context.Context, ids ...string) error

	// DeleteAll removes every stored session.
	DeleteAll(ctx context.Context) error
}

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a badger-backed session store sharing db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

// Insert stores a session.
func (s *BadgerStore) Insert(_ context.Context, sess *WorkoutSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(sess.ID), data); err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		return nil
	})
}

// Get retrieves a session by id.
func (s *BadgerStore) Get(_ context.Context, id string) (*WorkoutSession, error) {
	var sess WorkoutSession

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// All returns every stored session.
func (s *BadgerStore) All(_ context.Context) ([]*WorkoutSession, error) {
	var sessions []*WorkoutSession

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess WorkoutSession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			sessions = append(sessions, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateRemoteID sets or clears the remote activity id. This is the only
// mutation a stored session supports.
func (s *BadgerStore) UpdateRemoteID(ctx context.Context, id string, remoteID int64) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.RemoteID = remoteID
	return s.Insert(ctx, sess)
}

// Delete removes the sessions with the given ids.
func (s *BadgerStore) Delete(_ context.Context, ids ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(sessionKey(id)); err != nil {
				return fmt.Errorf("delete session %s: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteAll removes every stored session.
func (s *BadgerStore) DeleteAll(ctx context.Context) error {
	sessions, err := s.All(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.Delete(ctx, ids...)
}
