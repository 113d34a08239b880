package signal

import (
	"context"

	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Registry holds the configured scorer per signal and drives scoring runs
// for a report pair.
type Registry struct {
	scorers map[model.Signal]Scorer
}

// NewRegistry creates a registry from the given scorers. Later entries for
// the same signal replace earlier ones.
func NewRegistry(scorers ...Scorer) *Registry {
	r := &Registry{scorers: make(map[model.Signal]Scorer, len(scorers))}
	for _, s := range scorers {
		r.scorers[s.Signal()] = s
	}
	return r
}

// Scorer returns the scorer registered for the signal, if any.
func (r *Registry) Scorer(sig model.Signal) (Scorer, bool) {
	s, ok := r.scorers[sig]
	return s, ok
}

// Signals returns the registered signals in the canonical order.
func (r *Registry) Signals() []model.Signal {
	out := make([]model.Signal, 0, len(r.scorers))
	for _, sig := range model.Signals {
		if _, ok := r.scorers[sig]; ok {
			out = append(out, sig)
		}
	}
	return out
}

// ScoreSignals runs the scorers for the requested signals against the pair
// and merges the outcomes into base. Available results overwrite the
// previous value for that signal; unavailable results and scorer errors
// remove it, so a signal that stops being computable does not linger as a
// stale score. Signals not requested keep their previous values. The
// returned map is a copy; base is not mutated.
func (r *Registry) ScoreSignals(ctx context.Context, a, b *model.Report, signals []model.Signal, base model.ComponentScores) model.ComponentScores {
	out := base.Clone()
	if out == nil {
		out = make(model.ComponentScores, len(signals))
	}

	for _, sig := range signals {
		scorer, ok := r.scorers[sig]
		if !ok {
			continue
		}
		res, err := scorer.Score(ctx, a, b)
		if err != nil {
			zap.L().Debug("signal: scorer unavailable this cycle",
				zap.String("signal", string(sig)),
				zap.String("report_a", a.ID),
				zap.String("report_b", b.ID),
				zap.Error(err),
			)
			delete(out, sig)
			continue
		}
		if !res.Available {
			delete(out, sig)
			continue
		}
		out[sig] = res.Value
	}

	return out
}

// ScoreAll scores every registered signal for the pair.
func (r *Registry) ScoreAll(ctx context.Context, a, b *model.Report, base model.ComponentScores) model.ComponentScores {
	return r.ScoreSignals(ctx, a, b, r.Signals(), base)
}

// AffectedSignals maps a report change to the signals whose inputs it
// touched, so reconciliation re-invokes only those scorers. A description
// edit re-triggers the text scorer but not geo.
func AffectedSignals(change model.ReportChange) []model.Signal {
	var out []model.Signal
	if change.DescriptionChanged {
		out = append(out, model.SignalText)
	}
	if change.MediaChanged {
		out = append(out, model.SignalImage, model.SignalColor)
	}
	if change.LocationChanged {
		out = append(out, model.SignalGeo)
	}
	if change.OccurredAtChanged {
		out = append(out, model.SignalTime)
	}
	return out
}
