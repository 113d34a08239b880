package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/audit"
	"github.com/reunite-hq/match-engine/internal/candidate"
	"github.com/reunite-hq/match-engine/internal/config"
	"github.com/reunite-hq/match-engine/internal/engine"
	"github.com/reunite-hq/match-engine/internal/lifecycle"
	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/recompute"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/resilience"
	"github.com/reunite-hq/match-engine/internal/score"
	"github.com/reunite-hq/match-engine/internal/signal"
	"github.com/reunite-hq/match-engine/internal/store"
)

// engineEnv holds the assembled engine and the store it owns. Callers
// should defer env.Close().
type engineEnv struct {
	Store  store.Store
	Engine *engine.Engine
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store, scorer registry, lifecycle machine, and
// coordinator, then loads the persisted weight configuration.
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, reports, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := initRegistry()
	weights := score.NewWeightHolder(nil)

	thresholds := lifecycle.Thresholds{
		Promote:  cfg.Lifecycle.PromoteThreshold,
		Suppress: cfg.Lifecycle.SuppressThreshold,
	}
	if err := thresholds.Valid(); err != nil {
		_ = st.Close()
		return nil, err
	}
	machine := lifecycle.NewMachine(thresholds)

	sink := initSink(st)

	coordinator := recompute.NewCoordinator(st, reports, registry, weights, machine, sink, recompute.Options{
		MaxWriteAttempts:  cfg.Recompute.MaxWriteAttempts,
		Concurrency:       cfg.Recompute.Concurrency,
		BatchWritesPerSec: cfg.Recompute.BatchWritesPerSec,
		BatchWriteBurst:   cfg.Recompute.BatchWriteBurst,
		BatchPageSize:     cfg.Recompute.BatchPageSize,
	})

	generator := candidate.NewGenerator(reports, st, coordinator, candidate.Options{
		SearchRadiusM:   cfg.Candidate.SearchRadiusM,
		TimeHorizon:     time.Duration(cfg.Candidate.TimeHorizonDays) * 24 * time.Hour,
		MaxCandidates:   cfg.Candidate.MaxCandidates,
		Concurrency:     cfg.Candidate.Concurrency,
		CategoryAliases: cfg.Candidate.CategoryAliases,
		Retry:           resilience.DefaultRetryConfig(),
	})

	eng := engine.New(st, reports, weights, machine, generator, coordinator, sink)

	if err := eng.LoadWeights(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &engineEnv{Store: st, Engine: eng}, nil
}

// initStore opens the configured match store and the report reader. With
// the postgres driver, reports are read from the same database the report
// service writes to; the sqlite driver is for local development and pairs
// with an in-memory report store seeded over the API.
func initStore(ctx context.Context) (store.Store, report.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("using sqlite store", zap.String("path", cfg.Store.SQLitePath))
		return st, report.NewMemory(), nil
	default:
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, report.NewPostgres(st.Pool()), nil
	}
}

// initRegistry builds the component scorer registry: local geo and time
// scorers plus HTTP scorers for every configured similarity service.
func initRegistry() *signal.Registry {
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Signals.BreakerFailureThreshold,
		cfg.Signals.BreakerResetTimeoutSecs,
	))

	scorers := []signal.Scorer{
		signal.NewGeoScorer(cfg.Signals.GeoMaxDistanceM),
		signal.NewTimeScorer(time.Duration(cfg.Signals.TimeHorizonDays) * 24 * time.Hour),
	}

	httpSignals := []struct {
		sig           model.Signal
		cfg           config.ScorerConfig
		requiresMedia bool
	}{
		{model.SignalText, cfg.Signals.Text, false},
		{model.SignalImage, cfg.Signals.Image, true},
		{model.SignalColor, cfg.Signals.Color, true},
	}
	for _, hs := range httpSignals {
		if hs.cfg.Endpoint == "" {
			zap.L().Warn("scorer service not configured, signal will be unavailable",
				zap.String("signal", string(hs.sig)),
			)
			continue
		}
		retry := resilience.DefaultRetryConfig()
		if hs.cfg.MaxRetries > 0 {
			retry.MaxAttempts = hs.cfg.MaxRetries + 1
		}
		scorers = append(scorers, signal.NewHTTPScorer(hs.sig, signal.HTTPScorerOptions{
			Endpoint:       hs.cfg.Endpoint,
			Timeout:        hs.cfg.Timeout(),
			RequestsPerSec: hs.cfg.RequestsPerSec,
			Burst:          hs.cfg.Burst,
			Retry:          retry,
			Breaker:        breakers.Get(string(hs.sig)),
			RequiresMedia:  hs.requiresMedia,
		}))
	}

	return signal.NewRegistry(scorers...)
}

// initSink builds the audit sink per configuration.
func initSink(st store.Store) audit.Sink {
	switch cfg.Audit.Sink {
	case "log":
		return audit.NewLogSink()
	case "store":
		return audit.NewStoreSink(st)
	default:
		return audit.NewMultiSink(audit.NewStoreSink(st), audit.NewLogSink())
	}
}
