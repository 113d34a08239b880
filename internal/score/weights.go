package score

import (
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/model"
)

// WeightHolder hands out the current weight configuration snapshot to every
// aggregation and swaps in new snapshots atomically. Readers always see one
// complete configuration, never a partially-applied update; a swap only
// affects aggregations that start after it.
type WeightHolder struct {
	current atomic.Pointer[model.WeightConfig]
}

// NewWeightHolder creates a holder seeded with the given snapshot.
func NewWeightHolder(cfg *model.WeightConfig) *WeightHolder {
	h := &WeightHolder{}
	if cfg == nil {
		cfg = &model.WeightConfig{
			Version:   1,
			Weights:   model.DefaultWeights(),
			UpdatedBy: model.SystemActor,
			UpdatedAt: time.Now().UTC(),
		}
	}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must treat it as immutable.
func (h *WeightHolder) Current() *model.WeightConfig {
	return h.current.Load()
}

// Prepare validates weights and derives the next snapshot from the current
// one without installing it. Callers persist the returned snapshot first
// and then install it with Replace, so a storage failure never leaves the
// in-memory configuration ahead of the database.
func (h *WeightHolder) Prepare(weights map[model.Signal]float64, actor string) (*model.WeightConfig, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}

	prev := h.current.Load()
	next := prev.Clone()
	next.Version = prev.Version + 1
	next.Weights = make(map[model.Signal]float64, len(weights))
	for k, v := range weights {
		next.Weights[k] = v
	}
	next.UpdatedBy = actor
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

// Replace installs a snapshot, either one loaded from persistence at
// startup or one returned by Prepare after it was saved.
func (h *WeightHolder) Replace(cfg *model.WeightConfig) {
	if cfg == nil {
		return
	}
	h.current.Store(cfg)
	zap.L().Info("score: weight configuration installed",
		zap.Int64("version", cfg.Version),
		zap.String("actor", cfg.UpdatedBy),
	)
}

// ValidateWeights rejects unknown signals, negative weights, and an
// all-zero configuration.
func ValidateWeights(weights map[model.Signal]float64) error {
	if len(weights) == 0 {
		return eris.New("score: weight configuration is empty")
	}
	var sum float64
	for signal, w := range weights {
		if !model.KnownSignal(signal) {
			return eris.Errorf("score: unknown signal %q", signal)
		}
		if w < 0 {
			return eris.Errorf("score: signal %q has negative weight %v", signal, w)
		}
		sum += w
	}
	if sum <= 0 {
		return eris.New("score: weight configuration sums to zero")
	}
	return nil
}
