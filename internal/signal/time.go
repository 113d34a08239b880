package signal

import (
	"context"
	"time"

	"github.com/reunite-hq/match-engine/internal/model"
)

// TimeScorer estimates temporal proximity from the reports' occurrence
// timestamps. Like the geo scorer it is computed locally and always
// available.
type TimeScorer struct {
	// Horizon is the gap at which proximity scores zero.
	Horizon time.Duration
}

// NewTimeScorer creates a temporal proximity scorer. horizon <= 0 falls
// back to 30 days.
func NewTimeScorer(horizon time.Duration) *TimeScorer {
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &TimeScorer{Horizon: horizon}
}

func (s *TimeScorer) Signal() model.Signal { return model.SignalTime }

// Score decays linearly from 1.0 (same moment) to 0 at the horizon.
func (s *TimeScorer) Score(_ context.Context, a, b *model.Report) (Result, error) {
	gap := a.OccurredAt.Sub(b.OccurredAt)
	if gap < 0 {
		gap = -gap
	}
	if gap >= s.Horizon {
		return Available(0), nil
	}
	return Available(1.0 - float64(gap)/float64(s.Horizon)), nil
}
