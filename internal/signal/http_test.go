package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func mediaReport(id string) *model.Report {
	return &model.Report{
		ID:          id,
		Description: "black leather wallet",
		MediaRefs:   []string{"s3://media/" + id + ".jpg"},
		Category:    "wallet",
		OccurredAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Version:     1,
	}
}

func TestHTTPScorerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.SignalText, req.Signal)
		assert.Equal(t, "a", req.ReportA.ID)
		assert.Equal(t, "b", req.ReportB.ID)

		json.NewEncoder(w).Encode(scoreResponse{Available: true, Score: 0.82})
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{
		Endpoint: srv.URL,
		Retry:    fastRetry(),
	})

	res, err := s.Score(context.Background(), mediaReport("a"), mediaReport("b"))
	require.NoError(t, err)
	require.True(t, res.Available)
	assert.InDelta(t, 0.82, res.Value, 1e-9)
}

func TestHTTPScorerServiceReportsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Available: false})
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{Endpoint: srv.URL, Retry: fastRetry()})

	res, err := s.Score(context.Background(), mediaReport("a"), mediaReport("b"))
	require.NoError(t, err)
	assert.False(t, res.Available)
}

func TestHTTPScorerMediaGate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(scoreResponse{Available: true, Score: 1})
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalImage, HTTPScorerOptions{
		Endpoint:      srv.URL,
		Retry:         fastRetry(),
		RequiresMedia: true,
	})

	noMedia := mediaReport("a")
	noMedia.MediaRefs = nil

	res, err := s.Score(context.Background(), noMedia, mediaReport("b"))
	require.NoError(t, err)
	assert.False(t, res.Available)
	// No network call is made for a pair that cannot be scored.
	assert.Equal(t, int32(0), calls.Load())
}

func TestHTTPScorerRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(scoreResponse{Available: true, Score: 0.4})
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{Endpoint: srv.URL, Retry: fastRetry()})

	res, err := s.Score(context.Background(), mediaReport("a"), mediaReport("b"))
	require.NoError(t, err)
	require.True(t, res.Available)
	assert.InDelta(t, 0.4, res.Value, 1e-9)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPScorerPermanentStatusDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{Endpoint: srv.URL, Retry: fastRetry()})

	res, err := s.Score(context.Background(), mediaReport("a"), mediaReport("b"))
	require.Error(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPScorerClampsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Available: true, Score: 1.6})
	}))
	defer srv.Close()

	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{Endpoint: srv.URL, Retry: fastRetry()})

	res, err := s.Score(context.Background(), mediaReport("a"), mediaReport("b"))
	require.NoError(t, err)
	require.True(t, res.Available)
	assert.InDelta(t, 1.0, res.Value, 1e-9)
}

func TestHTTPScorerBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	s := NewHTTPScorer(model.SignalText, HTTPScorerOptions{
		Endpoint: srv.URL,
		Retry:    resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
		Breaker:  breaker,
	})

	a, b := mediaReport("a"), mediaReport("b")
	for i := 0; i < 2; i++ {
		_, err := s.Score(context.Background(), a, b)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	before := calls.Load()
	_, err := s.Score(context.Background(), a, b)
	require.Error(t, err)
	// Open breaker short-circuits without touching the service.
	assert.Equal(t, before, calls.Load())
}
