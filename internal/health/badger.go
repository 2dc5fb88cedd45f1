// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const (
	exerciseKeyPrefix  = "health:exercise:"
	heartRateKeyPrefix = "health:hr:"
)

// BadgerStore implements Source on BadgerDB and accepts records pushed by
// a device bridge. Keys embed the record's start time in fixed-width
// milliseconds so badger's ordered iteration doubles as a time-range scan.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a badger-backed health record store sharing db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func exerciseKey(rec ExerciseRecord) []byte {
	return []byte(fmt.Sprintf("%s%013d:%s", exerciseKeyPrefix, rec.StartTime.UnixMilli(), rec.Source))
}

func heartRateKey(s HeartRateSample) []byte {
	return []byte(fmt.Sprintf("%s%013d", heartRateKeyPrefix, s.Time.UnixMilli()))
}

// PutExercises stores exercise records; the time-keyed layout makes
// re-pushing the same record an overwrite.
func (b *BadgerStore) PutExercises(_ context.Context, records []ExerciseRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal exercise record: %w", err)
			}
			if err := txn.Set(exerciseKey(rec), data); err != nil {
				return fmt.Errorf("set exercise record: %w", err)
			}
		}
		return nil
	})
}

// PutHeartRates stores heart-rate samples.
func (b *BadgerStore) PutHeartRates(_ context.Context, samples []HeartRateSample) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, s := range samples {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal heart-rate sample: %w", err)
			}
			if err := txn.Set(heartRateKey(s), data); err != nil {
				return fmt.Errorf("set heart-rate sample: %w", err)
			}
		}
		return nil
	})
}

// ExerciseRecords returns workouts whose start time falls in [from, to).
func (b *BadgerStore) ExerciseRecords(_ context.Context, from, to time.Time) ([]ExerciseRecord, error) {
	var records []ExerciseRecord
	err := b.scan(exerciseKeyPrefix, func(val []byte) error {
		var rec ExerciseRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode exercise record: %w", err)
		}
		if !rec.StartTime.Before(from) && rec.StartTime.Before(to) {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// HeartRateSamples returns samples recorded in [from, to), ordered by time.
func (b *BadgerStore) HeartRateSamples(_ context.Context, from, to time.Time) ([]HeartRateSample, error) {
	var samples []HeartRateSample
	err := b.scan(heartRateKeyPrefix, func(val []byte) error {
		var s HeartRateSample
		if err := json.Unmarshal(val, &s); err != nil {
			return fmt.Errorf("decode heart-rate sample: %w", err)
		}
		if !s.Time.Before(from) && s.Time.Before(to) {
			samples = append(samples, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (b *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
