// Package signal defines the component scorer contract and the scorer
// implementations that produce per-signal similarity estimates for a pair
// of reports.
package signal

import (
	"context"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Result is the tagged outcome of one component scorer invocation.
// Unavailability is an expected, common outcome (missing photos, scorer
// timeout), so it is a value, not an error: a pair with no image must not
// be treated as having an image similarity of zero.
type Result struct {
	Available bool    `json:"available"`
	Value     float64 `json:"value"`
}

// Available wraps a computed score.
func Available(v float64) Result {
	return Result{Available: true, Value: v}
}

// Unavailable marks the signal as not computable for this cycle.
func Unavailable() Result {
	return Result{}
}

// Scorer produces one signal's similarity estimate in [0,1] for a report
// pair. Implementations choose their own transport; scorers backed by
// external services must honor ctx deadlines. A returned error is treated
// by callers as "unavailable this cycle" and retried on the next
// reconciliation pass, never surfaced to end users.
type Scorer interface {
	Signal() model.Signal
	Score(ctx context.Context, a, b *model.Report) (Result, error)
}
