package model

import "time"

// WeightConfig is an immutable snapshot of the per-signal aggregation
// weights. Mutations produce a new snapshot with a bumped version; readers
// hold a reference to one complete snapshot per aggregation, so a weight
// update can never be observed half-applied.
type WeightConfig struct {
	Version   int64              `json:"version"`
	Weights   map[Signal]float64 `json:"weights"`
	UpdatedBy string             `json:"updated_by"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// DefaultWeights returns the initial weight configuration. The defaults sum
// to 1.0 but the aggregator renormalizes, so operators are free to tune
// individual weights without keeping the sum fixed.
func DefaultWeights() map[Signal]float64 {
	return map[Signal]float64{
		SignalText:  0.35,
		SignalImage: 0.25,
		SignalColor: 0.10,
		SignalGeo:   0.20,
		SignalTime:  0.10,
	}
}

// Weight returns the configured weight for s, or 0 when s is not listed.
func (wc *WeightConfig) Weight(s Signal) float64 {
	return wc.Weights[s]
}

// Clone returns a deep copy, used when deriving the next snapshot.
func (wc *WeightConfig) Clone() *WeightConfig {
	out := *wc
	out.Weights = make(map[Signal]float64, len(wc.Weights))
	for k, v := range wc.Weights {
		out.Weights[k] = v
	}
	return &out
}
