package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reunite-hq/match-engine/internal/model"
)

func weightsOf(m map[model.Signal]float64) *model.WeightConfig {
	return &model.WeightConfig{Version: 1, Weights: m}
}

func TestAggregateRenormalizesOverAvailableSignals(t *testing.T) {
	// Two of four weighted signals available: the aggregate is the
	// weighted mean over just those two, not a sum padded with zeros.
	cfg := weightsOf(map[model.Signal]float64{
		model.SignalText:  0.4,
		model.SignalImage: 0.3,
		model.SignalGeo:   0.2,
		model.SignalTime:  0.1,
	})
	scores := model.ComponentScores{
		model.SignalText: 0.9,
		model.SignalGeo:  0.8,
	}

	agg, ok := Aggregate(scores, cfg)
	require.True(t, ok)
	// (0.4*0.9 + 0.2*0.8) / (0.4 + 0.2)
	assert.InDelta(t, 0.8667, agg, 0.0001)
}

func TestAggregateAllSignalsAvailable(t *testing.T) {
	cfg := weightsOf(model.DefaultWeights())
	scores := model.ComponentScores{
		model.SignalText:  1.0,
		model.SignalImage: 1.0,
		model.SignalColor: 1.0,
		model.SignalGeo:   1.0,
		model.SignalTime:  1.0,
	}

	agg, ok := Aggregate(scores, cfg)
	require.True(t, ok)
	assert.InDelta(t, 1.0, agg, 1e-9)
}

func TestAggregateInsufficientData(t *testing.T) {
	cfg := weightsOf(model.DefaultWeights())

	_, ok := Aggregate(nil, cfg)
	assert.False(t, ok)

	_, ok = Aggregate(model.ComponentScores{}, cfg)
	assert.False(t, ok)

	_, ok = Aggregate(model.ComponentScores{model.SignalText: 0.5}, nil)
	assert.False(t, ok)
}

func TestAggregateZeroScoreIsNotInsufficientData(t *testing.T) {
	// A computed zero is a confident non-match, not missing data.
	cfg := weightsOf(model.DefaultWeights())
	agg, ok := Aggregate(model.ComponentScores{model.SignalText: 0}, cfg)
	require.True(t, ok)
	assert.InDelta(t, 0, agg, 1e-9)
}

func TestAggregateSkipsZeroWeightSignals(t *testing.T) {
	cfg := weightsOf(map[model.Signal]float64{
		model.SignalText: 0,
		model.SignalGeo:  0.5,
	})
	scores := model.ComponentScores{
		model.SignalText: 1.0,
		model.SignalGeo:  0.6,
	}

	agg, ok := Aggregate(scores, cfg)
	require.True(t, ok)
	assert.InDelta(t, 0.6, agg, 1e-9)
}

func TestAggregateOnlyZeroWeightSignalsAvailable(t *testing.T) {
	// Every available signal weighted to zero leaves the aggregate undefined.
	cfg := weightsOf(map[model.Signal]float64{
		model.SignalText: 0,
		model.SignalGeo:  0.5,
	})
	_, ok := Aggregate(model.ComponentScores{model.SignalText: 0.9}, cfg)
	assert.False(t, ok)
}

func TestAggregateClampsOutOfRangeInputs(t *testing.T) {
	cfg := weightsOf(map[model.Signal]float64{model.SignalText: 1})

	agg, ok := Aggregate(model.ComponentScores{model.SignalText: 1.7}, cfg)
	require.True(t, ok)
	assert.InDelta(t, 1.0, agg, 1e-9)

	agg, ok = Aggregate(model.ComponentScores{model.SignalText: -0.3}, cfg)
	require.True(t, ok)
	assert.InDelta(t, 0, agg, 1e-9)
}

func TestAggregateDeterministic(t *testing.T) {
	cfg := weightsOf(model.DefaultWeights())
	scores := model.ComponentScores{
		model.SignalText:  0.31,
		model.SignalImage: 0.72,
		model.SignalColor: 0.55,
		model.SignalGeo:   0.18,
		model.SignalTime:  0.93,
	}

	first, ok := Aggregate(scores, cfg)
	require.True(t, ok)
	for i := 0; i < 50; i++ {
		again, ok := Aggregate(scores, cfg)
		require.True(t, ok)
		// Bit-for-bit equal, not merely within a delta: float addition is
		// not associative, so a map-order sum drifts between runs.
		assert.Equal(t, first, again)
	}
}

func TestAggregateInsertionOrderInvariant(t *testing.T) {
	cfg := weightsOf(model.DefaultWeights())
	ordered := []model.Signal{
		model.SignalText, model.SignalImage, model.SignalColor,
		model.SignalGeo, model.SignalTime,
	}
	values := map[model.Signal]float64{
		model.SignalText:  0.31,
		model.SignalImage: 0.72,
		model.SignalColor: 0.55,
		model.SignalGeo:   0.18,
		model.SignalTime:  0.93,
	}

	base := model.ComponentScores{}
	for _, s := range ordered {
		base[s] = values[s]
	}
	want, ok := Aggregate(base, cfg)
	require.True(t, ok)

	// Rebuild the map in rotated insertion orders; every variant must
	// produce the identical bits.
	for rot := 1; rot < len(ordered); rot++ {
		scores := model.ComponentScores{}
		for i := range ordered {
			s := ordered[(i+rot)%len(ordered)]
			scores[s] = values[s]
		}
		got, ok := Aggregate(scores, cfg)
		require.True(t, ok)
		assert.Equal(t, want, got, "rotation %d", rot)
	}
}
