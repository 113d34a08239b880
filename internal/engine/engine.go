// Package engine wires the candidate generator, signal registry, score
// aggregator, lifecycle machine, and reconciliation coordinator behind the
// operations exposed to moderation tooling.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/audit"
	"github.com/reunite-hq/match-engine/internal/candidate"
	"github.com/reunite-hq/match-engine/internal/lifecycle"
	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/recompute"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/score"
	"github.com/reunite-hq/match-engine/internal/store"
)

// Engine is the match scoring and moderation lifecycle engine.
type Engine struct {
	matches     store.Store
	reports     report.Store
	weights     *score.WeightHolder
	machine     *lifecycle.Machine
	generator   *candidate.Generator
	coordinator *recompute.Coordinator
	sink        audit.Sink
}

// New assembles an Engine from its parts.
func New(
	matches store.Store,
	reports report.Store,
	weights *score.WeightHolder,
	machine *lifecycle.Machine,
	generator *candidate.Generator,
	coordinator *recompute.Coordinator,
	sink audit.Sink,
) *Engine {
	return &Engine{
		matches:     matches,
		reports:     reports,
		weights:     weights,
		machine:     machine,
		generator:   generator,
		coordinator: coordinator,
		sink:        sink,
	}
}

// LoadWeights replaces the in-memory weight snapshot with the persisted one,
// if any. Called at startup so restarts keep the operators' tuning.
func (e *Engine) LoadWeights(ctx context.Context) error {
	cfg, err := e.matches.GetWeightConfig(ctx)
	if err != nil {
		return eris.Wrap(err, "engine: load weight config")
	}
	if cfg != nil {
		e.weights.Replace(cfg)
		zap.L().Info("engine: loaded persisted weight configuration",
			zap.Int64("version", cfg.Version),
		)
	}
	return nil
}

// ListMatches returns a filtered, paginated match listing.
func (e *Engine) ListMatches(ctx context.Context, f store.MatchFilter) (*store.PagedMatches, error) {
	return e.matches.ListMatches(ctx, f)
}

// GetMatch returns one match with its full component score breakdown.
func (e *Engine) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	return e.matches.GetMatch(ctx, id)
}

// TransitionMatch applies a moderator transition. expectedVersion must
// equal the match's current version or the call fails with
// store.ErrVersionConflict and performs no mutation; the moderator is
// expected to refresh and retry. On success the stored version increments
// by exactly one.
func (e *Engine) TransitionMatch(ctx context.Context, id string, target model.MatchStatus, actor string, expectedVersion int64) (*model.Match, error) {
	m, err := e.matches.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Version != expectedVersion {
		return nil, eris.Wrapf(store.ErrVersionConflict,
			"match %s is at version %d, not %d", id, m.Version, expectedVersion)
	}

	entry, err := e.machine.Moderate(m, target, actor)
	if err != nil {
		return nil, err
	}

	updated, err := e.matches.UpdateMatch(ctx, m, expectedVersion)
	if err != nil {
		return nil, err
	}

	if err := e.sink.Append(ctx, entry); err != nil {
		zap.L().Error("engine: audit append failed",
			zap.String("match_id", id),
			zap.Error(err),
		)
	}

	zap.L().Info("engine: moderator transition",
		zap.String("match_id", id),
		zap.String("actor", actor),
		zap.String("from", string(entry.FromStatus)),
		zap.String("to", string(entry.ToStatus)),
	)
	return updated, nil
}

// UpdateWeights persists and installs a new weight configuration snapshot.
// The new weights apply to future aggregations only; existing scores are
// untouched until reconciliation next visits them. Persistence happens
// before the swap: if the save fails, aggregations keep using the prior
// snapshot and a restart cannot resurrect weights that were never stored.
func (e *Engine) UpdateWeights(ctx context.Context, weights map[model.Signal]float64, actor string) (*model.WeightConfig, error) {
	cfg, err := e.weights.Prepare(weights, actor)
	if err != nil {
		return nil, err
	}
	if err := e.matches.SaveWeightConfig(ctx, cfg); err != nil {
		return nil, eris.Wrap(err, "engine: persist weight config")
	}
	e.weights.Replace(cfg)
	return cfg, nil
}

// CurrentWeights returns the active weight snapshot.
func (e *Engine) CurrentWeights() *model.WeightConfig {
	return e.weights.Current()
}

// Thresholds returns the auto-transition cutoffs in effect.
func (e *Engine) Thresholds() lifecycle.Thresholds {
	return e.machine.Thresholds()
}

// ReportChanged handles a report create/update event: it (re)generates
// candidate pairs for the report and reconciles existing matches whose
// affected signals changed.
func (e *Engine) ReportChanged(ctx context.Context, change model.ReportChange) error {
	r, err := e.reports.GetReport(ctx, change.ReportID)
	if err != nil {
		return eris.Wrapf(err, "engine: load changed report %s", change.ReportID)
	}

	if _, err := e.generator.GenerateForReport(ctx, r); err != nil {
		return err
	}
	if _, err := e.coordinator.ReconcileReport(ctx, change); err != nil {
		return err
	}
	return nil
}

// ReconcileReport rescales every match referencing the report.
func (e *Engine) ReconcileReport(ctx context.Context, reportID string) (int, error) {
	return e.coordinator.ReconcileReport(ctx, model.ReportChange{ReportID: reportID}.All())
}

// ReconcileAll runs a full rescore of every match.
func (e *Engine) ReconcileAll(ctx context.Context) (int, error) {
	return e.coordinator.ReconcileAll(ctx)
}

// Sweep generates candidates for reports changed since the given time.
func (e *Engine) Sweep(ctx context.Context, since time.Time) (*candidate.Stats, error) {
	return e.generator.Sweep(ctx, since)
}
