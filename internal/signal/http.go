package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/resilience"
)

// HTTPScorerOptions configures an HTTP-backed component scorer.
type HTTPScorerOptions struct {
	Endpoint string
	Timeout  time.Duration
	// RequestsPerSec paces calls to the scorer service. <= 0 disables pacing.
	RequestsPerSec float64
	Burst          int
	Retry          resilience.RetryConfig
	Breaker        *resilience.CircuitBreaker
	// RequiresMedia gates the signal on both reports having media
	// references; image and color similarity cannot be computed otherwise.
	RequiresMedia bool
}

// HTTPScorer invokes an external component scorer service over HTTP. The
// wire contract mirrors the engine's Result type: the service responds with
// {"available": bool, "score": float} and is expected to answer within the
// configured timeout. Timeouts and transport errors surface as errors so
// the caller records the signal as unavailable for this cycle.
type HTTPScorer struct {
	signal  model.Signal
	client  *http.Client
	opts    HTTPScorerOptions
	limiter *rate.Limiter
}

// scoreRequest is the payload sent to a scorer service.
type scoreRequest struct {
	Signal  model.Signal `json:"signal"`
	ReportA scoreReport  `json:"report_a"`
	ReportB scoreReport  `json:"report_b"`
}

// scoreReport carries the report fields scorer services consume.
type scoreReport struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	MediaRefs   []string  `json:"media_refs,omitempty"`
	Category    string    `json:"category,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Version     int64     `json:"version"`
}

type scoreResponse struct {
	Available bool    `json:"available"`
	Score     float64 `json:"score"`
}

// NewHTTPScorer creates an HTTP scorer for the given signal.
func NewHTTPScorer(sig model.Signal, opts HTTPScorerOptions) *HTTPScorer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	return &HTTPScorer{
		signal:  sig,
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: limiter,
	}
}

func (s *HTTPScorer) Signal() model.Signal { return s.signal }

// Score calls the scorer service for the pair. A pair that lacks the
// required inputs (e.g., no media on one side for an image scorer) is
// reported unavailable locally without a network call.
func (s *HTTPScorer) Score(ctx context.Context, a, b *model.Report) (Result, error) {
	if s.opts.RequiresMedia && (!a.HasMedia() || !b.HasMedia()) {
		return Unavailable(), nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Unavailable(), eris.Wrapf(err, "signal %s: rate limit wait", s.signal)
		}
	}

	call := func(ctx context.Context) (Result, error) {
		return s.invoke(ctx, a, b)
	}

	if s.opts.Breaker != nil {
		return resilience.ExecuteVal(ctx, s.opts.Breaker, func(ctx context.Context) (Result, error) {
			return resilience.DoVal(ctx, s.opts.Retry, call)
		})
	}
	return resilience.DoVal(ctx, s.opts.Retry, call)
}

func (s *HTTPScorer) invoke(ctx context.Context, a, b *model.Report) (Result, error) {
	payload := scoreRequest{
		Signal:  s.signal,
		ReportA: toScoreReport(a),
		ReportB: toScoreReport(b),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Unavailable(), eris.Wrapf(err, "signal %s: marshal request", s.signal)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Unavailable(), eris.Wrapf(err, "signal %s: build request", s.signal)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Unavailable(), eris.Wrapf(err, "signal %s: call scorer", s.signal)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("signal %s: scorer returned %d: %s", s.signal, resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return Unavailable(), resilience.NewTransientError(err, resp.StatusCode)
		}
		return Unavailable(), err
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Unavailable(), eris.Wrapf(err, "signal %s: decode response", s.signal)
	}

	if !out.Available {
		return Unavailable(), nil
	}
	if out.Score < 0 || out.Score > 1 {
		zap.L().Warn("signal: scorer returned out-of-range score, clamping",
			zap.String("signal", string(s.signal)),
			zap.Float64("score", out.Score),
		)
	}
	return Available(clampScore(out.Score)), nil
}

func toScoreReport(r *model.Report) scoreReport {
	return scoreReport{
		ID:          r.ID,
		Description: r.Description,
		MediaRefs:   r.MediaRefs,
		Category:    r.Category,
		OccurredAt:  r.OccurredAt,
		Version:     r.Version,
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
