// FitBridge - Workout Upload Synchronization Engine
// Copyright 2026 FitBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fitbridge/fitbridge

package autosync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitbridge/fitbridge/internal/health"
	"github.com/fitbridge/fitbridge/internal/ratelimit"
	"github.com/fitbridge/fitbridge/internal/session"
	"github.com/fitbridge/fitbridge/internal/store"
	"github.com/fitbridge/fitbridge/internal/strava"
	"github.com/fitbridge/fitbridge/internal/token"
)

type fakeSource struct {
	records []health.ExerciseRecord
	samples []health.HeartRateSample
}

func (f *fakeSource) ExerciseRecords(_ context.Context, _, _ time.Time) ([]health.ExerciseRecord, error) {
	return f.records, nil
}

func (f *fakeSource) HeartRateSamples(_ context.Context, from, to time.Time) ([]health.HeartRateSample, error) {
	var out []health.HeartRateSample
	for _, s := range f.samples {
		if !s.Time.Before(from) && s.Time.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

type memSessions struct {
	mu   sync.Mutex
	data map[string]*session.WorkoutSession
}

func newMemSessions() *memSessions {
	return &memSessions{data: make(map[string]*session.WorkoutSession)}
}

func (m *memSessions) Insert(_ context.Context, s *session.WorkoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.data[s.ID] = &cp
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*session.WorkoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) All(_ context.Context) ([]*session.WorkoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.WorkoutSession, 0, len(m.data))
	for _, s := range m.data {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memSessions) UpdateRemoteID(_ context.Context, id string, remoteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return session.ErrNotFound
	}
	s.RemoteID = remoteID
	return nil
}

func (m *memSessions) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.data, id)
	}
	return nil
}

func (m *memSessions) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*session.WorkoutSession)
	return nil
}

type fakeAPI struct {
	mu            sync.Mutex
	activityCalls int
	activities    []strava.RemoteActivity
}

func (f *fakeAPI) RefreshToken(context.Context, string) (*strava.TokenResponse, error) {
	return nil, errors.New("unexpected RefreshToken call")
}

func (f *fakeAPI) ExchangeCode(context.Context, string) (*strava.TokenResponse, error) {
	return nil, errors.New("unexpected ExchangeCode call")
}

func (f *fakeAPI) Activities(_ context.Context, _ string, page int, _, _ time.Time) ([]strava.RemoteActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityCalls++
	if page > 1 {
		return nil, nil
	}
	return f.activities, nil
}

func (f *fakeAPI) Upload(context.Context, string, strava.UploadRequest) (*strava.UploadStatus, error) {
	return nil, errors.New("unexpected Upload call")
}

func (f *fakeAPI) Status(context.Context, string, int64) (*strava.UploadStatus, error) {
	return nil, errors.New("unexpected Status call")
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activityCalls
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEnqueuer) EnqueueUpload(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, sessionID)
	return nil
}

func (f *fakeEnqueuer) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type sweepEnv struct {
	coordinator *Coordinator
	source      *fakeSource
	sessions    *memSessions
	tokens      *token.Manager
	tracker     *ratelimit.Tracker
	api         *fakeAPI
	enqueuer    *fakeEnqueuer
}

func newSweepEnv(t *testing.T, connected bool) *sweepEnv {
	t.Helper()

	source := &fakeSource{}
	sessions := newMemSessions()
	api := &fakeAPI{}
	enqueuer := &fakeEnqueuer{}
	tracker := ratelimit.New(store.NewMemStore(), ratelimit.DefaultLimits())

	tokens := token.NewManager(store.NewMemStore(), nil, api)
	if connected {
		if err := tokens.Save(&strava.TokenResponse{
			AccessToken:  "acc",
			RefreshToken: "ref",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		}); err != nil {
			t.Fatalf("seed token: %v", err)
		}
	}

	c := New(DefaultConfig(), source, sessions, tokens, tracker, api, enqueuer)
	return &sweepEnv{
		coordinator: c,
		source:      source,
		sessions:    sessions,
		tokens:      tokens,
		tracker:     tracker,
		api:         api,
		enqueuer:    enqueuer,
	}
}

func record(start time.Time) health.ExerciseRecord {
	return health.ExerciseRecord{
		Source:    "running",
		Title:     "Morning Run",
		StartTime: start,
		Duration:  30 * time.Minute,
		Calories:  250,
	}
}

func TestSweepSkippedWhenNotConnected(t *testing.T) {
	e := newSweepEnv(t, false)
	e.source.records = []health.ExerciseRecord{record(time.Now().Add(-time.Hour))}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if e.coordinator.LastSweep().Outcome != "skipped" {
		t.Errorf("outcome = %s, want skipped", e.coordinator.LastSweep().Outcome)
	}
	if e.api.calls() != 0 {
		t.Errorf("api calls = %d, want 0 when not connected", e.api.calls())
	}
}

func TestEmptyDiffMakesZeroRemoteCalls(t *testing.T) {
	e := newSweepEnv(t, true)
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	e.source.records = []health.ExerciseRecord{record(start)}

	// The session is already known and reconciled from an earlier sweep.
	if err := e.sessions.Insert(context.Background(), &session.WorkoutSession{
		ID:       session.DeriveID("running", start),
		RemoteID: 42,
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	last := e.coordinator.LastSweep()
	if last.Outcome != "completed" || last.Discovered != 0 {
		t.Errorf("sweep = %+v, want completed with 0 discovered", last)
	}
	if e.api.calls() != 0 {
		t.Errorf("api calls = %d, want 0 on an empty diff", e.api.calls())
	}
	if len(e.enqueuer.enqueued()) != 0 {
		t.Errorf("enqueued = %v, want none", e.enqueuer.enqueued())
	}
}

func TestSweepReenqueuesUnsyncedKnownSessions(t *testing.T) {
	e := newSweepEnv(t, true)

	// One session never made it to the feed (its retry budget ran out in
	// an earlier cycle), one did.
	stuckStart := time.Now().Add(-3 * time.Hour).Truncate(time.Second)
	stuckID := session.DeriveID("running", stuckStart)
	for _, s := range []*session.WorkoutSession{
		{ID: stuckID, Source: "running", StartTime: stuckStart},
		{ID: "done", RemoteID: 42},
	} {
		if err := e.sessions.Insert(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	last := e.coordinator.LastSweep()
	if last.Outcome != "completed" || last.Enqueued != 1 {
		t.Errorf("sweep = %+v, want completed with 1 enqueued", last)
	}
	if got := e.enqueuer.enqueued(); len(got) != 1 || got[0] != stuckID {
		t.Errorf("enqueued = %v, want only the unsynced session %s", got, stuckID)
	}
	// Re-enqueueing is a local decision; the listing stays untouched.
	if e.api.calls() != 0 {
		t.Errorf("api calls = %d, want 0", e.api.calls())
	}
}

func TestSweepMatchesAndEnqueues(t *testing.T) {
	e := newSweepEnv(t, true)
	matchedStart := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	freshStart := time.Now().Add(-time.Hour).Truncate(time.Second)
	e.source.records = []health.ExerciseRecord{record(matchedStart), record(freshStart)}
	e.api.activities = []strava.RemoteActivity{
		{ID: 300, StartDate: matchedStart.Add(time.Minute).UTC().Format(time.RFC3339)},
	}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	last := e.coordinator.LastSweep()
	if last.Discovered != 2 || last.Matched != 1 || last.Enqueued != 1 {
		t.Errorf("sweep = %+v, want 2 discovered, 1 matched, 1 enqueued", last)
	}

	matchedID := session.DeriveID("running", matchedStart)
	stored, err := e.sessions.Get(context.Background(), matchedID)
	if err != nil {
		t.Fatalf("matched session not persisted: %v", err)
	}
	if stored.RemoteID != 300 {
		t.Errorf("matched remote id = %d, want 300", stored.RemoteID)
	}

	freshID := session.DeriveID("running", freshStart)
	if got := e.enqueuer.enqueued(); len(got) != 1 || got[0] != freshID {
		t.Errorf("enqueued = %v, want [%s]", got, freshID)
	}
}

func TestSweepDefersWhenResetPending(t *testing.T) {
	e := newSweepEnv(t, true)
	e.source.records = []health.ExerciseRecord{record(time.Now().Add(-time.Hour))}
	e.tracker.RecordUpstreamRateLimited(time.Now().Add(10*time.Minute), true)

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	if e.coordinator.LastSweep().Outcome != "deferred" {
		t.Errorf("outcome = %s, want deferred", e.coordinator.LastSweep().Outcome)
	}
	if e.api.calls() != 0 {
		t.Errorf("api calls = %d, want 0 while deferring", e.api.calls())
	}
	all, _ := e.sessions.All(context.Background())
	if len(all) != 0 {
		t.Errorf("deferred sweep must not persist sessions, got %d", len(all))
	}
}

func TestSweepDefersNearLimit(t *testing.T) {
	e := newSweepEnv(t, true)
	e.source.records = []health.ExerciseRecord{record(time.Now().Add(-time.Hour))}

	// Push the user quarter-hour read window to its 90% threshold.
	for i := 0; i < 81; i++ {
		e.tracker.RecordRequest(true)
	}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if e.coordinator.LastSweep().Outcome != "deferred" {
		t.Errorf("outcome = %s, want deferred", e.coordinator.LastSweep().Outcome)
	}
	if e.api.calls() != 0 {
		t.Errorf("api calls = %d, want 0 while deferring", e.api.calls())
	}
}

func TestSweepAttachesHeartRate(t *testing.T) {
	e := newSweepEnv(t, true)
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	e.source.records = []health.ExerciseRecord{record(start)}
	e.source.samples = []health.HeartRateSample{
		{Time: start.Add(time.Minute), BPM: 120},
		{Time: start.Add(2 * time.Minute), BPM: 140},
		{Time: start.Add(2 * time.Hour), BPM: 80}, // outside the workout
	}

	if err := e.coordinator.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	stored, err := e.sessions.Get(context.Background(), session.DeriveID("running", start))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.HeartRateSamples) != 2 {
		t.Fatalf("heart-rate samples = %d, want 2 inside the workout", len(stored.HeartRateSamples))
	}
	if stored.AvgHeartRate != 130 {
		t.Errorf("avg heart rate = %d, want 130", stored.AvgHeartRate)
	}
}

func TestTriggerSyncRefusesConcurrentSweep(t *testing.T) {
	e := newSweepEnv(t, true)

	e.coordinator.sweepMu.Lock()
	defer e.coordinator.sweepMu.Unlock()

	if err := e.coordinator.TriggerSync(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("err = %v, want ErrSweepInProgress", err)
	}
}
