// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package config loads and validates engine configuration through a koanf
// pipeline: struct defaults, then an optional YAML file, then environment
// variables. Later sources win.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the engine.
type Config struct {
	Strava    StravaConfig    `koanf:"strava"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Sync      SyncConfig      `koanf:"sync"`
	Upload    UploadConfig    `koanf:"upload"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// StravaConfig holds upstream API credentials and endpoints.
type StravaConfig struct {
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret" validate:"required"`

	// BaseURL is the API root, e.g. https://www.strava.com/api/v3.
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// AuthURL is the browser authorization endpoint for the connect flow.
	AuthURL string `koanf:"auth_url" validate:"required,url"`

	// RedirectURI is where the connect flow sends the authorization code.
	RedirectURI string `koanf:"redirect_uri"`

	// PerPage is the page size for activity listing.
	PerPage int `koanf:"per_page" validate:"min=1,max=200"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `koanf:"timeout"`
}

// RateLimitConfig holds local rate-window ceilings. The per-user defaults
// mirror the upstream's published budget; the app scope covers a shared API
// credential and is an order of magnitude larger.
type RateLimitConfig struct {
	UserReads15Min    int `koanf:"user_reads_15min" validate:"min=1"`
	UserRequests15Min int `koanf:"user_requests_15min" validate:"min=1"`
	UserReadsDaily    int `koanf:"user_reads_daily" validate:"min=1"`
	UserRequestsDaily int `koanf:"user_requests_daily" validate:"min=1"`

	AppReads15Min    int `koanf:"app_reads_15min" validate:"min=1"`
	AppRequests15Min int `koanf:"app_requests_15min" validate:"min=1"`
	AppReadsDaily    int `koanf:"app_reads_daily" validate:"min=1"`
	AppRequestsDaily int `koanf:"app_requests_daily" validate:"min=1"`
}

// SyncConfig controls the periodic reconciliation sweep.
type SyncConfig struct {
	// Interval is the sweep period.
	Interval time.Duration `koanf:"interval"`

	// Window is how far back source records are read each sweep.
	Window time.Duration `koanf:"window"`

	// MatchTolerance is the session/activity start-time tolerance.
	MatchTolerance time.Duration `koanf:"match_tolerance"`
}

// UploadConfig controls the upload state machine.
type UploadConfig struct {
	// PollInitialDelay is the first status-poll delay.
	PollInitialDelay time.Duration `koanf:"poll_initial_delay"`

	// PollMaxDelay caps the doubling poll delay.
	PollMaxDelay time.Duration `koanf:"poll_max_delay"`

	// PollMaxAttempts bounds status polling per job instance.
	PollMaxAttempts int `koanf:"poll_max_attempts" validate:"min=1"`

	// RetryMaxAttempts bounds scheduler re-deliveries of a failed job.
	RetryMaxAttempts int `koanf:"retry_max_attempts" validate:"min=1"`

	// RetryInitialInterval seeds the scheduler's exponential backoff.
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`

	// RetryMaxInterval caps the scheduler's exponential backoff.
	RetryMaxInterval time.Duration `koanf:"retry_max_interval"`
}

// StoreConfig holds the embedded state store settings.
type StoreConfig struct {
	// Path is the badger database directory.
	Path string `koanf:"path" validate:"required"`

	// EncryptionKey is a base64-encoded master key for encrypting the
	// OAuth token record at rest. Empty disables encryption.
	EncryptionKey string `koanf:"encryption_key"`
}

// ServerConfig holds the admin HTTP surface settings.
type ServerConfig struct {
	ListenAddr string `koanf:"listen_addr" validate:"required"`
}

// LoggingConfig mirrors logging.Config for the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Strava: StravaConfig{
			BaseURL: "https://www.strava.com/api/v3",
			AuthURL: "https://www.strava.com/oauth/authorize",
			PerPage: 30,
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			UserReads15Min:    90,
			UserRequests15Min: 180,
			UserReadsDaily:    900,
			UserRequestsDaily: 1800,
			AppReads15Min:     900,
			AppRequests15Min:  1800,
			AppReadsDaily:     9000,
			AppRequestsDaily:  18000,
		},
		Sync: SyncConfig{
			Interval:       15 * time.Minute,
			Window:         24 * time.Hour,
			MatchTolerance: 5 * time.Minute,
		},
		Upload: UploadConfig{
			PollInitialDelay:     4 * time.Second,
			PollMaxDelay:         60 * time.Second,
			PollMaxAttempts:      60,
			RetryMaxAttempts:     5,
			RetryInitialInterval: 30 * time.Second,
			RetryMaxInterval:     30 * time.Minute,
		},
		Store: StoreConfig{
			Path: "/data/fitbridge",
		},
		Server: ServerConfig{
			ListenAddr: ":8095",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration beyond struct tags and returns
// actionable messages for operator mistakes.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Sync.Interval < time.Minute {
		return fmt.Errorf("sync.interval %s is below the 1m minimum; the sweep is quota-bound", c.Sync.Interval)
	}
	if c.Sync.Window < c.Sync.Interval {
		return fmt.Errorf("sync.window %s must cover at least one sweep interval %s", c.Sync.Window, c.Sync.Interval)
	}
	if c.Sync.MatchTolerance <= 0 {
		return fmt.Errorf("sync.match_tolerance must be positive, got %s", c.Sync.MatchTolerance)
	}
	if c.Upload.PollInitialDelay <= 0 || c.Upload.PollMaxDelay < c.Upload.PollInitialDelay {
		return fmt.Errorf("upload poll delays invalid: initial %s, max %s", c.Upload.PollInitialDelay, c.Upload.PollMaxDelay)
	}
	if c.RateLimit.UserReads15Min > c.RateLimit.UserRequests15Min {
		return fmt.Errorf("rate_limit: read ceiling %d exceeds request ceiling %d", c.RateLimit.UserReads15Min, c.RateLimit.UserRequests15Min)
	}

	return nil
}
