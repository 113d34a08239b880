// Package recompute keeps Match scores current as the underlying reports
// change, without ever overriding a moderator's decision. All writes go
// through the store's optimistic version guard; a lost race is retried
// from a fresh read rather than overwritten blindly.
package recompute

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reunite-hq/match-engine/internal/audit"
	"github.com/reunite-hq/match-engine/internal/lifecycle"
	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/resilience"
	"github.com/reunite-hq/match-engine/internal/score"
	"github.com/reunite-hq/match-engine/internal/signal"
	"github.com/reunite-hq/match-engine/internal/store"
)

// Options tunes the coordinator.
type Options struct {
	// MaxWriteAttempts bounds optimistic-concurrency retries per match.
	MaxWriteAttempts int
	// Concurrency is the per-report reconciliation worker-pool size.
	Concurrency int
	// BatchWritesPerSec paces batch reconciliation writes so a full
	// rescore cannot overwhelm downstream audit logging. <= 0 disables
	// pacing.
	BatchWritesPerSec float64
	BatchWriteBurst   int
	// BatchPageSize is the listing page size for full rescores.
	BatchPageSize int
}

// DefaultOptions returns sensible coordinator settings.
func DefaultOptions() Options {
	return Options{
		MaxWriteAttempts:  5,
		Concurrency:       8,
		BatchWritesPerSec: 50,
		BatchWriteBurst:   10,
		BatchPageSize:     200,
	}
}

// Coordinator re-runs scoring for matches whose inputs changed.
type Coordinator struct {
	matches  store.Store
	reports  report.Store
	registry *signal.Registry
	weights  *score.WeightHolder
	machine  *lifecycle.Machine
	sink     audit.Sink
	opts     Options
	limiter  *rate.Limiter
}

// NewCoordinator creates a reconciliation coordinator.
func NewCoordinator(
	matches store.Store,
	reports report.Store,
	registry *signal.Registry,
	weights *score.WeightHolder,
	machine *lifecycle.Machine,
	sink audit.Sink,
	opts Options,
) *Coordinator {
	if opts.MaxWriteAttempts <= 0 {
		opts.MaxWriteAttempts = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.BatchPageSize <= 0 {
		opts.BatchPageSize = 200
	}
	var limiter *rate.Limiter
	if opts.BatchWritesPerSec > 0 {
		burst := opts.BatchWriteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.BatchWritesPerSec), burst)
	}
	return &Coordinator{
		matches:  matches,
		reports:  reports,
		registry: registry,
		weights:  weights,
		machine:  machine,
		sink:     sink,
		opts:     opts,
		limiter:  limiter,
	}
}

// RescoreMatch re-invokes the scorers for the given signals (nil = all
// registered), recomputes the aggregate under the current weight snapshot,
// re-evaluates automatic transitions, and writes back under the optimistic
// version guard. It satisfies candidate.Rescorer.
func (c *Coordinator) RescoreMatch(ctx context.Context, matchID string, signals []model.Signal) error {
	for attempt := 0; attempt < c.opts.MaxWriteAttempts; attempt++ {
		entry, fired, err := c.rescoreOnce(ctx, matchID, signals)
		if err != nil {
			if eris.Is(err, store.ErrVersionConflict) {
				zap.L().Debug("recompute: version conflict, retrying from fresh read",
					zap.String("match_id", matchID),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return err
		}
		if fired {
			if err := c.sink.Append(ctx, entry); err != nil {
				zap.L().Error("recompute: audit append failed",
					zap.String("match_id", matchID),
					zap.Error(err),
				)
			}
		}
		return nil
	}
	return eris.Errorf("recompute: match %s contended beyond %d attempts", matchID, c.opts.MaxWriteAttempts)
}

func (c *Coordinator) rescoreOnce(ctx context.Context, matchID string, signals []model.Signal) (model.AuditEntry, bool, error) {
	m, err := c.matches.GetMatch(ctx, matchID)
	if err != nil {
		return model.AuditEntry{}, false, err
	}

	src, err := c.reports.GetReport(ctx, m.SourceReportID)
	if err != nil {
		return model.AuditEntry{}, false, wrapReportErr(err, m.SourceReportID)
	}
	cand, err := c.reports.GetReport(ctx, m.CandidateReportID)
	if err != nil {
		return model.AuditEntry{}, false, wrapReportErr(err, m.CandidateReportID)
	}

	if signals == nil {
		signals = c.registry.Signals()
	}

	// Snapshot the weight configuration once; every signal of this
	// aggregation sees the same weights.
	weights := c.weights.Current()

	next := *m
	next.ComponentScores = c.registry.ScoreSignals(ctx, src, cand, signals, m.ComponentScores)
	if agg, ok := score.Aggregate(next.ComponentScores, weights); ok {
		next.AggregateScore = &agg
	} else {
		next.AggregateScore = nil
	}

	entry, fired := c.machine.Evaluate(&next)

	if _, err := c.matches.UpdateMatch(ctx, &next, m.Version); err != nil {
		return model.AuditEntry{}, false, err
	}
	return entry, fired, nil
}

// ReconcileReport rescales every match referencing the changed report,
// re-invoking only the scorers whose inputs the change touched.
func (c *Coordinator) ReconcileReport(ctx context.Context, change model.ReportChange) (int, error) {
	affected := signal.AffectedSignals(change)
	if len(affected) == 0 {
		return 0, nil
	}

	matches, err := c.matches.ListMatchesByReport(ctx, change.ReportID)
	if err != nil {
		return 0, eris.Wrapf(err, "recompute: list matches for report %s", change.ReportID)
	}

	var done int
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(c.opts.Concurrency)
	results := make([]bool, len(matches))

	for i := range matches {
		grp.Go(func() error {
			if err := c.RescoreMatch(gctx, matches[i].ID, affected); err != nil {
				if gctx.Err() != nil && !resilience.IsPermanent(err) {
					return err
				}
				zap.L().Warn("recompute: match rescore failed, continuing",
					zap.String("match_id", matches[i].ID),
					zap.Error(err),
				)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return done, eris.Wrapf(err, "recompute: reconcile report %s", change.ReportID)
	}

	for _, ok := range results {
		if ok {
			done++
		}
	}
	zap.L().Info("recompute: report reconciled",
		zap.String("report_id", change.ReportID),
		zap.Int("matches", len(matches)),
		zap.Int("rescored", done),
	)
	return done, nil
}

// ReconcileAll rescales every match (e.g., after a scoring-model upgrade).
// Writes obey the batch rate limit and the same per-match optimistic
// concurrency rule.
//
// The match IDs are snapshotted before any write. Listing orders by
// aggregate score, which the rescore itself rewrites; paging while writing
// would let rows migrate across page boundaries and be skipped or visited
// twice.
func (c *Coordinator) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := c.snapshotMatchIDs(ctx)
	if err != nil {
		return 0, err
	}

	var done int
	for _, id := range ids {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return done, eris.Wrap(err, "recompute: rate limit wait")
			}
		}
		if err := c.RescoreMatch(ctx, id, nil); err != nil {
			if ctx.Err() != nil {
				return done, err
			}
			zap.L().Warn("recompute: match rescore failed, continuing",
				zap.String("match_id", id),
				zap.Error(err),
			)
			continue
		}
		done++
	}

	zap.L().Info("recompute: full rescore complete",
		zap.Int("matches", len(ids)),
		zap.Int("rescored", done),
	)
	return done, nil
}

func (c *Coordinator) snapshotMatchIDs(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	for offset := 0; ; {
		page, err := c.matches.ListMatches(ctx, store.MatchFilter{
			Limit:  c.opts.BatchPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "recompute: list matches for full rescore")
		}
		if len(page.Matches) == 0 {
			break
		}
		for i := range page.Matches {
			id := page.Matches[i].ID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		offset += len(page.Matches)
		if offset >= page.Total {
			break
		}
	}
	return ids, nil
}

// ReconcileChangedSince reconciles every report whose version was bumped
// at or after the given time. Used by the periodic reconciliation timer;
// deltas are unknown, so all signals are re-invoked.
func (c *Coordinator) ReconcileChangedSince(ctx context.Context, since time.Time) (int, error) {
	changed, err := c.reports.ListChangedSince(ctx, since)
	if err != nil {
		return 0, eris.Wrap(err, "recompute: list changed reports")
	}

	var done int
	for i := range changed {
		change := model.ReportChange{ReportID: changed[i].ID}.All()
		n, err := c.ReconcileReport(ctx, change)
		if err != nil {
			if ctx.Err() != nil {
				return done, err
			}
			zap.L().Error("recompute: report reconciliation failed, continuing",
				zap.String("report_id", changed[i].ID),
				zap.Error(err),
			)
			continue
		}
		done += n
	}
	return done, nil
}

func wrapReportErr(err error, reportID string) error {
	if eris.Is(err, report.ErrNotFound) {
		// A vanished report cannot be rescored; retrying will not help.
		return resilience.NewPermanentError(eris.Wrapf(err, "recompute: report %s", reportID))
	}
	return eris.Wrapf(err, "recompute: load report %s", reportID)
}
