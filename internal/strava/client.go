// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

// Package strava implements the upstream activity-service REST client:
// OAuth token grants, paginated activity listing, multipart workout upload
// and upload-status polling.
//
// Every failure is tagged with an ErrorClass so callers branch on one
// taxonomy rather than raw HTTP status codes. The client self-throttles
// through an injected quota tracker and fails fast, without a network call,
// once the local budget is exhausted or an upstream-declared reset is
// pending.
package strava

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/fitbridge/fitbridge/internal/metrics"
)

// Upstream 429 responses carry these headers.
const (
	// HeaderRateLimitScope distinguishes a whole-service limit ("app")
	// from a per-credential limit ("user").
	HeaderRateLimitScope = "X-RateLimit-Scope"

	// HeaderRateLimitReset is the epoch second the limit window resets.
	HeaderRateLimitReset = "X-RateLimit-Reset"
)

// maxErrorBodySize bounds how much of an error response body is read for
// diagnostics, preventing unbounded allocation on large error responses.
const maxErrorBodySize = 64 * 1024

// readBodyForError reads a response body for error reporting, bounded by
// maxErrorBodySize.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}

// QuotaTracker is the local rate-budget estimator consulted on every call.
// Implemented by ratelimit.Tracker.
type QuotaTracker interface {
	// RecordRequest counts one sent request; reads count twice (request
	// and read ceilings both apply).
	RecordRequest(isRead bool)

	// IsLimitReached reports whether any local ceiling is hit or an
	// upstream-declared reset is still pending.
	IsLimitReached() bool

	// RecordUpstreamRateLimited stores an authoritative reset time from an
	// actual 429 response.
	RecordUpstreamRateLimited(reset time.Time, appWide bool)
}

// API is the upstream surface the engine consumes. Implemented by Client
// and, with circuit-breaker protection, by BreakerClient.
type API interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
	Activities(ctx context.Context, accessToken string, page int, after, before time.Time) ([]RemoteActivity, error)
	Upload(ctx context.Context, accessToken string, req UploadRequest) (*UploadStatus, error)
	Status(ctx context.Context, accessToken string, uploadID int64) (*UploadStatus, error)
}

// Config holds client construction parameters.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	PerPage      int
	Timeout      time.Duration
}

// Client is the raw HTTP client. All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	perPage      int
	httpClient   *http.Client
	tracker      QuotaTracker

	// pacer smooths outbound calls so bursts from concurrent jobs do not
	// land on the upstream at once. The window budget is enforced by the
	// tracker; this only shapes short-term burstiness.
	pacer *rate.Limiter
}

// NewClient creates an upstream API client.
func NewClient(cfg Config, tracker QuotaTracker) *Client {
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 30
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		perPage:      perPage,
		httpClient:   &http.Client{Timeout: timeout},
		tracker:      tracker,
		pacer:        rate.NewLimiter(rate.Limit(1), 2),
	}
}

// do executes a request after the local budget check, records consumption
// and maps failures into the taxonomy. A non-nil result is decoded from a
// 2xx body.
func (c *Client) do(ctx context.Context, req *http.Request, isRead bool, endpoint string, result interface{}) error {
	if c.tracker != nil && c.tracker.IsLimitReached() {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "local_limit").Inc()
		return &APIError{Class: ClassRateLimitedUser, Message: "local rate budget exhausted"}
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return transientErr(err)
	}

	resp, err := c.httpClient.Do(req)
	if c.tracker != nil {
		c.tracker.RecordRequest(isRead)
	}
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "network_error").Inc()
		return transientErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return transientErr(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return c.handleErrorResponse(resp)
}

// handleErrorResponse maps a non-2xx response into the taxonomy, recording
// authoritative reset times from 429s.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body := readBodyForError(resp.Body)

	message := string(body)
	var provider providerError
	if err := json.Unmarshal(body, &provider); err == nil && provider.Message != "" {
		message = provider.Message
	}

	appScope := resp.Header.Get(HeaderRateLimitScope) == "app"

	if resp.StatusCode == http.StatusTooManyRequests {
		scope := "user"
		if appScope {
			scope = "app"
		}
		metrics.UpstreamRateLimited.WithLabelValues(scope).Inc()

		if c.tracker != nil {
			reset := nextQuarterHour(time.Now().UTC())
			if raw := resp.Header.Get(HeaderRateLimitReset); raw != "" {
				if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
					reset = time.Unix(epoch, 0).UTC()
				}
			}
			c.tracker.RecordUpstreamRateLimited(reset, appScope)
		}
	}

	return Classify(resp.StatusCode, appScope, message)
}

// nextQuarterHour returns the next 15-minute UTC boundary after t, the
// upstream's window alignment when no reset header is present.
func nextQuarterHour(t time.Time) time.Time {
	quarter := t.Truncate(15 * time.Minute)
	return quarter.Add(15 * time.Minute)
}

// RefreshToken redeems a refresh token for a new token triple.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

// ExchangeCode redeems an authorization code from the connect flow.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	})
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*TokenResponse, error) {
	reqURL := c.baseURL + "/oauth/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token TokenResponse
	if err := c.do(ctx, req, false, "oauth_token", &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Activities returns one page of upstream activities in [after, before].
// An empty page signals the end of pagination.
func (c *Client) Activities(ctx context.Context, accessToken string, page int, after, before time.Time) ([]RemoteActivity, error) {
	query := url.Values{
		"per_page": {strconv.Itoa(c.perPage)},
		"page":     {strconv.Itoa(page)},
	}
	if !after.IsZero() {
		query.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if !before.IsZero() {
		query.Set("before", strconv.FormatInt(before.Unix(), 10))
	}

	reqURL := c.baseURL + "/activities?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create activities request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var activities []RemoteActivity
	if err := c.do(ctx, req, true, "activities", &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// Upload posts the fitness-interchange file as a multipart request.
func (c *Client) Upload(ctx context.Context, accessToken string, upload UploadRequest) (*UploadStatus, error) {
	file, err := os.Open(upload.FilePath)
	if err != nil {
		return nil, transientErr(fmt.Errorf("open payload: %w", err))
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(upload.FilePath))
	if err != nil {
		return nil, transientErr(err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, transientErr(fmt.Errorf("copy payload: %w", err))
	}

	fields := map[string]string{
		"data_type":   upload.DataType,
		"sport_type":  upload.SportType,
		"name":        upload.Name,
		"description": upload.Description,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, transientErr(err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, transientErr(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", &body)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var status UploadStatus
	if err := c.do(ctx, req, false, "uploads", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Status fetches the processing state of a previous upload.
func (c *Client) Status(ctx context.Context, accessToken string, uploadID int64) (*UploadStatus, error) {
	reqURL := fmt.Sprintf("%s/uploads/%d", c.baseURL, uploadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var status UploadStatus
	if err := c.do(ctx, req, true, "upload_status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListAll paginates the activity listing until the first empty page.
func ListAll(ctx context.Context, api API, accessToken string, after, before time.Time) ([]RemoteActivity, error) {
	var all []RemoteActivity
	for page := 1; ; page++ {
		activities, err := api.Activities(ctx, accessToken, page, after, before)
		if err != nil {
			return nil, err
		}
		if len(activities) == 0 {
			return all, nil
		}
		all = append(all, activities...)
	}
}
