package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reunite-hq/match-engine/internal/audit"
	"github.com/reunite-hq/match-engine/internal/candidate"
	"github.com/reunite-hq/match-engine/internal/engine"
	"github.com/reunite-hq/match-engine/internal/lifecycle"
	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/recompute"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/score"
	"github.com/reunite-hq/match-engine/internal/signal"
	"github.com/reunite-hq/match-engine/internal/store"
)

type testServer struct {
	matches *store.Memory
	reports *report.Memory
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	matches := store.NewMemory()
	reports := report.NewMemory()
	weights := score.NewWeightHolder(nil)
	machine := lifecycle.NewMachine(lifecycle.DefaultThresholds())
	registry := signal.NewRegistry(
		signal.NewGeoScorer(10000),
		signal.NewTimeScorer(30*24*time.Hour),
	)
	sink := audit.NewStoreSink(matches)

	coordinator := recompute.NewCoordinator(matches, reports, registry, weights, machine, sink, recompute.Options{})
	generator := candidate.NewGenerator(reports, matches, coordinator, candidate.DefaultOptions())
	eng := engine.New(matches, reports, weights, machine, generator, coordinator, sink)

	return &testServer{
		matches: matches,
		reports: reports,
		handler: New(eng, Options{Port: 0}).Routes(),
	}
}

func (ts *testServer) seedMatch(t *testing.T, score float64) *model.Match {
	t.Helper()
	m := store.NewMatch("lost-1", "found-1")
	stored, _, err := ts.matches.UpsertCandidate(context.Background(), &m)
	require.NoError(t, err)

	stored.AggregateScore = &score
	stored.ComponentScores = model.ComponentScores{model.SignalText: score}
	updated, err := ts.matches.UpdateMatch(context.Background(), stored, stored.Version)
	require.NoError(t, err)
	return updated
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListMatches(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMatch(t, 0.9)

	rec := ts.do(t, http.MethodGet, "/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page store.PagedMatches
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Matches, 1)
	assert.Equal(t, "lost-1", page.Matches[0].SourceReportID)
}

func TestListMatchesFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMatch(t, 0.9)

	rec := ts.do(t, http.MethodGet, "/matches?status=promoted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page store.PagedMatches
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Total)

	rec = ts.do(t, http.MethodGet, "/matches?min_score=0.8&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
}

func TestListMatchesBadQuery(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/matches?status=bogus",
		"/matches?min_score=high",
		"/matches?from=yesterday",
		"/matches?limit=-2",
	} {
		rec := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetMatch(t *testing.T) {
	ts := newTestServer(t)
	seeded := ts.seedMatch(t, 0.9)

	rec := ts.do(t, http.MethodGet, "/matches/"+seeded.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Match
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, seeded.ID, got.ID)
	assert.InDelta(t, 0.9, got.ComponentScores[model.SignalText], 1e-9)
}

func TestGetMatchNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/matches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransitionMatch(t *testing.T) {
	ts := newTestServer(t)
	seeded := ts.seedMatch(t, 0.5)

	rec := ts.do(t, http.MethodPost, "/matches/"+seeded.ID+"/transition", map[string]any{
		"target_status":    "promoted",
		"actor":            "mod-1",
		"expected_version": seeded.Version,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got model.Match
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.StatusPromoted, got.Status)
	assert.Equal(t, seeded.Version+1, got.Version)
}

func TestTransitionMatchStatusCodes(t *testing.T) {
	ts := newTestServer(t)
	seeded := ts.seedMatch(t, 0.5)

	cases := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{
			"stale version conflicts",
			"/matches/" + seeded.ID + "/transition",
			map[string]any{"target_status": "promoted", "actor": "mod-1", "expected_version": seeded.Version + 7},
			http.StatusConflict,
		},
		{
			"invalid transition",
			"/matches/" + seeded.ID + "/transition",
			map[string]any{"target_status": "candidate", "actor": "mod-1", "expected_version": seeded.Version},
			http.StatusUnprocessableEntity,
		},
		{
			"unknown status",
			"/matches/" + seeded.ID + "/transition",
			map[string]any{"target_status": "archived", "actor": "mod-1", "expected_version": seeded.Version},
			http.StatusBadRequest,
		},
		{
			"missing actor",
			"/matches/" + seeded.ID + "/transition",
			map[string]any{"target_status": "promoted", "expected_version": seeded.Version},
			http.StatusBadRequest,
		},
		{
			"unknown match",
			"/matches/missing/transition",
			map[string]any{"target_status": "promoted", "actor": "mod-1", "expected_version": int64(1)},
			http.StatusNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	// None of the rejected requests mutated the match.
	got, err := ts.matches.GetMatch(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidate, got.Status)
	assert.Equal(t, seeded.Version, got.Version)
}

func TestGetWeights(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/weights", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg model.WeightConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, int64(1), cfg.Version)
	assert.InDelta(t, model.DefaultWeights()[model.SignalText], cfg.Weights[model.SignalText], 1e-9)
}

func TestUpdateWeights(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/weights", map[string]any{
		"weights": map[string]float64{"text": 0.6, "geo": 0.4},
		"actor":   "ops",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cfg model.WeightConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, int64(2), cfg.Version)

	persisted, err := ts.matches.GetWeightConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, int64(2), persisted.Version)
}

func TestUpdateWeightsRejected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/weights", map[string]any{
		"weights": map[string]float64{"sound": 1},
		"actor":   "ops",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/weights", map[string]any{
		"weights": map[string]float64{"text": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileAccepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/reconcile", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/reconcile", map[string]any{"report_id": "lost-1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

// gateStore blocks the first listing call until released, pinning a
// background reconcile in flight.
type gateStore struct {
	store.Store
	enter   chan struct{}
	release chan struct{}
}

func (s *gateStore) ListMatches(ctx context.Context, f store.MatchFilter) (*store.PagedMatches, error) {
	select {
	case s.enter <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.ListMatches(ctx, f)
}

func TestReconcileRejectedBeyondBackgroundCap(t *testing.T) {
	gated := &gateStore{
		Store:   store.NewMemory(),
		enter:   make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	reports := report.NewMemory()
	weights := score.NewWeightHolder(nil)
	machine := lifecycle.NewMachine(lifecycle.DefaultThresholds())
	registry := signal.NewRegistry(signal.NewGeoScorer(10000))
	sink := audit.NewStoreSink(store.NewMemory())
	coordinator := recompute.NewCoordinator(gated, reports, registry, weights, machine, sink, recompute.Options{})
	generator := candidate.NewGenerator(reports, gated, coordinator, candidate.DefaultOptions())
	eng := engine.New(gated, reports, weights, machine, generator, coordinator, sink)

	ts := &testServer{
		reports: reports,
		handler: New(eng, Options{MaxBackgroundTasks: 1}).Routes(),
	}

	// The first reconcile is accepted and parks inside the store.
	rec := ts.do(t, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-gated.enter:
	case <-time.After(2 * time.Second):
		t.Fatal("background reconcile never started")
	}

	// With the single slot occupied, further work is refused.
	rec = ts.do(t, http.MethodPost, "/reconcile", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Releasing the slot lets new reconciles through again.
	close(gated.release)
	assert.Eventually(t, func() bool {
		return ts.do(t, http.MethodPost, "/reconcile", nil).Code == http.StatusAccepted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReportChangedAccepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/reports/changed", map[string]any{
		"report_id":           "lost-1",
		"description_changed": true,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "lost-1", resp["report_id"])
}

func TestReportChangedRequiresReportID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/reports/changed", map[string]any{"description_changed": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaginationParams(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		m := store.NewMatch(fmt.Sprintf("lost-%d", i), fmt.Sprintf("found-%d", i))
		_, _, err := ts.matches.UpsertCandidate(context.Background(), &m)
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodGet, "/matches?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page store.PagedMatches
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Matches, 1)
	assert.Equal(t, 2, page.Offset)
}
