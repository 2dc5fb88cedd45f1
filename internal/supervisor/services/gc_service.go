// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package services

import (
	"context"
	"time"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/store"
)

// GCService runs badger value-log garbage collection on a timer. Badger
// never reclaims value-log space on its own; something has to call RunGC.
type GCService struct {
	store    *store.BadgerStore
	interval time.Duration
}

// NewGCService creates the GC loop. interval <=0 means 30 minutes.
func NewGCService(s *store.BadgerStore, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &GCService{store: s, interval: interval}
}

// Serve implements suture.Service.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.store.RunGC(0.5); err != nil {
				logging.Warn().Err(err).Msg("badger gc pass failed")
			}
		}
	}
}

func (g *GCService) String() string {
	return "store-gc"
}
