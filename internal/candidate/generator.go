// Package candidate selects report pairs worth scoring and creates their
// Match rows, without combinatorial blowup: only opposite-type reports in
// compatible categories within coarse geographic and temporal bounds are
// paired.
package candidate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/resilience"
	"github.com/reunite-hq/match-engine/internal/store"
)

// Rescorer scores a match's signals and applies the resulting lifecycle
// evaluation. Implemented by the recompute coordinator.
type Rescorer interface {
	RescoreMatch(ctx context.Context, matchID string, signals []model.Signal) error
}

// Options tunes candidate generation. The geographic and temporal bounds
// are operational parameters, not constants.
type Options struct {
	// SearchRadiusM bounds the pairing distance in meters.
	SearchRadiusM float64
	// TimeHorizon bounds the occurrence-time gap between paired reports.
	TimeHorizon time.Duration
	// MaxCandidates caps counterpart reports fetched per reference report.
	MaxCandidates int
	// Concurrency is the scoring worker-pool size.
	Concurrency int
	// CategoryAliases maps a category to additional compatible categories.
	CategoryAliases map[string][]string
	// Retry bounds the per-pair scoring retries.
	Retry resilience.RetryConfig
}

// DefaultOptions returns the starting generation bounds.
func DefaultOptions() Options {
	return Options{
		SearchRadiusM: 25000,
		TimeHorizon:   30 * 24 * time.Hour,
		MaxCandidates: 200,
		Concurrency:   8,
		Retry:         resilience.DefaultRetryConfig(),
	}
}

// Stats summarizes one generation run.
type Stats struct {
	Paired  int `json:"paired"`
	Created int `json:"created"`
	Scored  int `json:"scored"`
	Failed  int `json:"failed"`
}

// Generator produces the universe of Match rows for incoming reports.
type Generator struct {
	reports  report.Store
	matches  store.Store
	rescorer Rescorer
	opts     Options
}

// NewGenerator creates a candidate generator.
func NewGenerator(reports report.Store, matches store.Store, rescorer Rescorer, opts Options) *Generator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.SearchRadiusM <= 0 {
		opts.SearchRadiusM = 25000
	}
	if opts.TimeHorizon <= 0 {
		opts.TimeHorizon = 30 * 24 * time.Hour
	}
	return &Generator{reports: reports, matches: matches, rescorer: rescorer, opts: opts}
}

// GenerateForReport pairs the given report against all compatible
// counterparts and upserts a Match per surviving pair in one bulk write.
// Existing Matches keep their status and moderator decision; both new and
// existing pairs are rescored. Scoring runs in parallel and is
// fire-and-forget per pair: one pair's failure never blocks the others.
func (g *Generator) GenerateForReport(ctx context.Context, r *model.Report) (*Stats, error) {
	if err := validateReport(r); err != nil {
		// Malformed input never becomes retryable work.
		return nil, resilience.NewPermanentError(err)
	}
	if r.Status != model.ReportStatusApproved {
		zap.L().Debug("candidate: skipping non-approved report",
			zap.String("report_id", r.ID),
			zap.String("status", string(r.Status)),
		)
		return &Stats{}, nil
	}

	counterparts, err := g.reports.ListCandidates(ctx, g.candidateQuery(r))
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: list counterparts for report %s", r.ID)
	}

	stats := &Stats{Paired: len(counterparts)}
	if len(counterparts) == 0 {
		return stats, nil
	}

	pairs := make([]model.Match, 0, len(counterparts))
	for i := range counterparts {
		pairs = append(pairs, store.NewMatch(r.ID, counterparts[i].ID))
	}

	// DO NOTHING on pair_key conflict: re-generating never resets an
	// existing Match's status or scores.
	created, err := g.matches.UpsertCandidates(ctx, pairs)
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: upsert pairs for report %s", r.ID)
	}
	stats.Created = int(created)

	// The bulk write reports only a count; resolve each pair's match ID
	// from the report's match list.
	existing, err := g.matches.ListMatchesByReport(ctx, r.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: list matches for report %s", r.ID)
	}
	idByPair := make(map[string]string, len(existing))
	for i := range existing {
		idByPair[existing[i].PairKey] = existing[i].ID
	}

	scored := make([]bool, len(pairs))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.opts.Concurrency)

	for i := range pairs {
		grp.Go(func() error {
			matchID, ok := idByPair[pairs[i].PairKey]
			if !ok {
				zap.L().Warn("candidate: pair vanished before scoring",
					zap.String("pair_key", pairs[i].PairKey),
				)
				return nil
			}

			err := resilience.Do(gctx, g.opts.Retry, func(ctx context.Context) error {
				return g.rescorer.RescoreMatch(ctx, matchID, nil)
			})
			if err != nil {
				zap.L().Warn("candidate: scoring pair failed, skipping",
					zap.String("match_id", matchID),
					zap.String("pair_key", pairs[i].PairKey),
					zap.Error(err),
				)
				return nil
			}
			scored[i] = true
			return nil
		})
	}

	// Workers swallow per-pair errors; Wait only propagates ctx cancellation.
	if err := grp.Wait(); err != nil {
		return stats, eris.Wrapf(err, "candidate: generation for report %s", r.ID)
	}

	for _, ok := range scored {
		if ok {
			stats.Scored++
		} else {
			stats.Failed++
		}
	}

	zap.L().Info("candidate: generation complete",
		zap.String("report_id", r.ID),
		zap.Int("paired", stats.Paired),
		zap.Int("created", stats.Created),
		zap.Int("scored", stats.Scored),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// Sweep generates candidates for every report changed since the given
// time. Used by the periodic sweep timer; failures are per-report.
func (g *Generator) Sweep(ctx context.Context, since time.Time) (*Stats, error) {
	changed, err := g.reports.ListChangedSince(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "candidate: list changed reports")
	}

	total := &Stats{}
	for i := range changed {
		s, err := g.GenerateForReport(ctx, &changed[i])
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			zap.L().Error("candidate: sweep report failed, continuing",
				zap.String("report_id", changed[i].ID),
				zap.Error(err),
			)
			continue
		}
		total.Paired += s.Paired
		total.Created += s.Created
		total.Scored += s.Scored
		total.Failed += s.Failed
	}
	return total, nil
}

func validateReport(r *model.Report) error {
	if r == nil {
		return eris.New("candidate: nil report")
	}
	if r.ID == "" {
		return eris.New("candidate: report has no ID")
	}
	if r.Type != model.ReportTypeLost && r.Type != model.ReportTypeFound {
		return eris.Errorf("candidate: report %s has invalid type %q", r.ID, r.Type)
	}
	if r.Location.Lat < -90 || r.Location.Lat > 90 || r.Location.Lon < -180 || r.Location.Lon > 180 {
		return eris.Errorf("candidate: report %s has out-of-range location", r.ID)
	}
	if r.OccurredAt.IsZero() {
		return eris.Errorf("candidate: report %s has no occurrence time", r.ID)
	}
	return nil
}
