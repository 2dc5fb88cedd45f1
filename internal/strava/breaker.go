// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package strava

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/metrics"
)

// BreakerClient wraps the raw client with a transient-failure circuit
// breaker so a flaky or down upstream does not get hammered. This is
// distinct from the credential tripwire in internal/breaker: gobreaker
// recovers on its own after a cooldown; the tripwire stays open until the
// user reconnects.
type BreakerClient struct {
	api  API
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string
}

// NewBreakerClient wraps api with circuit breaker protection:
// 3 concurrent probes in half-open state, 1 minute measurement window,
// 2 minute cooldown, opens at a 60% failure rate over at least 10 requests.
func NewBreakerClient(api API) *BreakerClient {
	cbName := "strava-api"

	metrics.ClientBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		// Terminal-class responses are real answers from the upstream, not
		// service health signals; only transient failures count.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return ClassOf(err) != ClassTransient
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("api circuit breaker state transition")
			metrics.ClientBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerClient{api: api, cb: cb, name: cbName}
}

// execute wraps an API call with circuit breaker protection.
func (bc *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := bc.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ClientBreakerRequests.WithLabelValues(bc.name, "rejected").Inc()
			// Open-circuit rejections are retryable by policy.
			return nil, &APIError{Class: ClassTransient, Message: err.Error()}
		}
		metrics.ClientBreakerRequests.WithLabelValues(bc.name, "failure").Inc()
		return nil, err
	}
	metrics.ClientBreakerRequests.WithLabelValues(bc.name, "success").Inc()
	return result, nil
}

// castResult safely type-casts the circuit breaker result.
func castResult[T any](result interface{}, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// RefreshToken redeems a refresh token with circuit breaker protection.
func (bc *BreakerClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return castResult[TokenResponse](bc.execute(func() (interface{}, error) {
		return bc.api.RefreshToken(ctx, refreshToken)
	}))
}

// ExchangeCode redeems an authorization code with circuit breaker protection.
func (bc *BreakerClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return castResult[TokenResponse](bc.execute(func() (interface{}, error) {
		return bc.api.ExchangeCode(ctx, code)
	}))
}

// Activities lists one activity page with circuit breaker protection.
func (bc *BreakerClient) Activities(ctx context.Context, accessToken string, page int, after, before time.Time) ([]RemoteActivity, error) {
	result, err := bc.execute(func() (interface{}, error) {
		return bc.api.Activities(ctx, accessToken, page, after, before)
	})
	if err != nil {
		return nil, err
	}
	activities, ok := result.([]RemoteActivity)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return activities, nil
}

// Upload posts a workout file with circuit breaker protection.
func (bc *BreakerClient) Upload(ctx context.Context, accessToken string, upload UploadRequest) (*UploadStatus, error) {
	return castResult[UploadStatus](bc.execute(func() (interface{}, error) {
		return bc.api.Upload(ctx, accessToken, upload)
	}))
}

// Status fetches upload processing state with circuit breaker protection.
func (bc *BreakerClient) Status(ctx context.Context, accessToken string, uploadID int64) (*UploadStatus, error) {
	return castResult[UploadStatus](bc.execute(func() (interface{}, error) {
		return bc.api.Status(ctx, accessToken, uploadID)
	}))
}
