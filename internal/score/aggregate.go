// Package score combines component signal scores into a single aggregate
// confidence value.
package score

import (
	"math"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Aggregate computes the weighted aggregate confidence for the given
// component scores under the given weight configuration.
//
// Only signals present in scores participate; their weights are
// proportionally inflated to fill the gap left by unavailable signals, so a
// pair missing a photo is not penalized as if the image score were zero.
// Signals with a zero or negative configured weight are ignored.
//
// The second return value is false when no weighted signal is available, in
// which case the aggregate is undefined ("insufficient data") and the Match
// must keep its nil aggregate rather than a misleading zero.
//
// Aggregation is a pure function: the same scores and weights always yield
// the same result. Terms are summed in the fixed model.Signals order, never
// in map iteration order; float addition is not associative, so a map-order
// sum would drift across runs.
func Aggregate(scores model.ComponentScores, cfg *model.WeightConfig) (float64, bool) {
	if cfg == nil || len(scores) == 0 {
		return 0, false
	}

	var weighted, weightSum float64
	for _, signal := range model.Signals {
		value, ok := scores[signal]
		if !ok {
			continue
		}
		w := cfg.Weight(signal)
		if w <= 0 {
			continue
		}
		weighted += w * clamp01(value)
		weightSum += w
	}

	if weightSum <= 0 {
		return 0, false
	}

	return clamp01(weighted / weightSum), true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
