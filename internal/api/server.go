// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package api serves the engine's admin surface: health and status,
// Prometheus metrics, a manual sync trigger, and the OAuth connect flow.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitbridge/fitbridge/internal/autosync"
	"github.com/fitbridge/fitbridge/internal/breaker"
	"github.com/fitbridge/fitbridge/internal/health"
	"github.com/fitbridge/fitbridge/internal/logging"
	"github.com/fitbridge/fitbridge/internal/ratelimit"
	"github.com/fitbridge/fitbridge/internal/strava"
	"github.com/fitbridge/fitbridge/internal/token"
)

// OAuthConfig holds what the connect flow needs to build the authorize
// redirect.
type OAuthConfig struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
}

// Ingestor accepts records pushed by a device bridge.
type Ingestor interface {
	PutExercises(ctx context.Context, records []health.ExerciseRecord) error
	PutHeartRates(ctx context.Context, samples []health.HeartRateSample) error
}

// Server is the admin HTTP server.
type Server struct {
	oauth       OAuthConfig
	tokens      *token.Manager
	breaker     *breaker.Breaker
	tracker     *ratelimit.Tracker
	coordinator *autosync.Coordinator
	api         strava.API
	ingestor    Ingestor
}

// NewServer builds the admin server.
func NewServer(oauth OAuthConfig, tokens *token.Manager, brk *breaker.Breaker, tracker *ratelimit.Tracker, coordinator *autosync.Coordinator, upstream strava.API, ingestor Ingestor) *Server {
	return &Server{
		oauth:       oauth,
		tokens:      tokens,
		breaker:     brk,
		tracker:     tracker,
		coordinator: coordinator,
		api:         upstream,
		ingestor:    ingestor,
	}
}

// Handler returns the chi router for the admin surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	// The device bridge posts records from a browser context; the surface
	// is otherwise local-only.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)
	r.Post("/sync", s.handleSync)
	r.Get("/connect", s.handleConnect)
	r.Get("/connect/callback", s.handleConnectCallback)
	r.Post("/ingest/exercises", s.handleIngestExercises)
	r.Post("/ingest/heartrate", s.handleIngestHeartRate)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Connected bool                 `json:"connected"`
	Breaker   breakerStatus        `json:"breaker"`
	RateUsage []ratelimit.Usage    `json:"rate_usage"`
	LastSweep autosync.SweepResult `json:"last_sweep"`
}

type breakerStatus struct {
	Tripped      bool `json:"tripped"`
	FailureCount int  `json:"failure_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connected: s.tokens.Connected(),
		Breaker: breakerStatus{
			Tripped:      s.breaker.Tripped(),
			FailureCount: s.breaker.FailureCount(),
		},
		RateUsage: s.tracker.Snapshot(),
		LastSweep: s.coordinator.LastSweep(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.TriggerSync(r.Context()); err != nil {
		if errors.Is(err, autosync.ErrSweepInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep completed"})
}

// handleConnect redirects the browser to the upstream authorize page.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	q.Set("client_id", s.oauth.ClientID)
	q.Set("redirect_uri", s.oauth.RedirectURI)
	q.Set("response_type", "code")
	q.Set("approval_prompt", "auto")
	q.Set("scope", "activity:write,activity:read_all")

	http.Redirect(w, r, s.oauth.AuthURL+"?"+q.Encode(), http.StatusFound)
}

// handleConnectCallback exchanges the authorization code, persists the
// tokens, and re-arms the upload breaker: fresh credentials supersede a
// trip caused by the old ones.
func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization denied: " + errParam})
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code parameter"})
		return
	}

	resp, err := s.api.ExchangeCode(r.Context(), code)
	if err != nil {
		logging.Err(err).Str("component", "api").Msg("code exchange failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "code exchange failed"})
		return
	}
	if err := s.tokens.Save(resp); err != nil {
		logging.Err(err).Str("component", "api").Msg("token persistence failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token persistence failed"})
		return
	}
	s.breaker.Reset()

	logging.Info().Str("component", "api").Msg("account connected")
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// handleIngestExercises accepts a JSON array of exercise records from the
// device bridge. The next sweep picks them up.
func (s *Server) handleIngestExercises(w http.ResponseWriter, r *http.Request) {
	var records []health.ExerciseRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed exercise records: " + err.Error()})
		return
	}
	if err := s.ingestor.PutExercises(r.Context(), records); err != nil {
		logging.Err(err).Str("component", "api").Msg("exercise ingest failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

func (s *Server) handleIngestHeartRate(w http.ResponseWriter, r *http.Request) {
	var samples []health.HeartRateSample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed heart-rate samples: " + err.Error()})
		return
	}
	if err := s.ingestor.PutHeartRates(r.Context(), samples); err != nil {
		logging.Err(err).Str("component", "api").Msg("heart-rate ingest failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(samples)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("write response failed")
	}
}
