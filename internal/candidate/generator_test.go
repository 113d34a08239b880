package candidate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/report"
	"github.com/reunite-hq/match-engine/internal/resilience"
	"github.com/reunite-hq/match-engine/internal/store"
)

// recordingRescorer collects rescore calls and optionally fails some matches.
type recordingRescorer struct {
	mu      sync.Mutex
	matches []string
	failFor map[string]error
}

func (r *recordingRescorer) RescoreMatch(_ context.Context, matchID string, _ []model.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[matchID]; ok {
		return err
	}
	r.matches = append(r.matches, matchID)
	return nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func testReport(id string, typ model.ReportType) model.Report {
	return model.Report{
		ID:         id,
		Type:       typ,
		Category:   "wallet",
		Location:   model.Location{Lat: 40.0, Lon: -74.0},
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:     model.ReportStatusApproved,
		Version:    1,
	}
}

func testGenerator(reports *report.Memory, matches store.Store, rescorer Rescorer) *Generator {
	return NewGenerator(reports, matches, rescorer, Options{
		SearchRadiusM: 25000,
		TimeHorizon:   30 * 24 * time.Hour,
		MaxCandidates: 200,
		Concurrency:   4,
		Retry:         fastRetry(),
	})
}

func TestGenerateForReportPairsAndScores(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	rescorer := &recordingRescorer{}
	g := testGenerator(reports, matches, rescorer)

	lost := testReport("lost-1", model.ReportTypeLost)
	reports.Put(lost)
	reports.Put(testReport("found-1", model.ReportTypeFound))
	reports.Put(testReport("found-2", model.ReportTypeFound))

	stats, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Paired)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 2, stats.Scored)
	assert.Equal(t, 0, stats.Failed)
	assert.Len(t, rescorer.matches, 2)

	page, err := matches.ListMatches(context.Background(), store.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 2)
	for _, m := range page.Matches {
		assert.Equal(t, model.StatusCandidate, m.Status)
		assert.Equal(t, int64(1), m.Version)
		assert.Equal(t, model.PairKey(m.SourceReportID, m.CandidateReportID), m.PairKey)
	}
}

func TestGenerateForReportIdempotent(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	rescorer := &recordingRescorer{}
	g := testGenerator(reports, matches, rescorer)

	lost := testReport("lost-1", model.ReportTypeLost)
	reports.Put(lost)
	reports.Put(testReport("found-1", model.ReportTypeFound))

	first, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	// Re-running keeps the existing match and only rescores it.
	second, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Paired)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Scored)

	page, err := matches.ListMatches(context.Background(), store.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Matches, 1)
}

func TestGenerateFromEitherSideYieldsOneMatch(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	rescorer := &recordingRescorer{}
	g := testGenerator(reports, matches, rescorer)

	lost := testReport("lost-1", model.ReportTypeLost)
	found := testReport("found-1", model.ReportTypeFound)
	reports.Put(lost)
	reports.Put(found)

	_, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)
	stats, err := g.GenerateForReport(context.Background(), &found)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)

	page, err := matches.ListMatches(context.Background(), store.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Matches, 1)
}

func TestGenerateForReportSkipsNonApproved(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	g := testGenerator(reports, matches, &recordingRescorer{})

	pending := testReport("lost-1", model.ReportTypeLost)
	pending.Status = model.ReportStatusPending

	stats, err := g.GenerateForReport(context.Background(), &pending)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Paired)
}

func TestGenerateForReportRejectsMalformed(t *testing.T) {
	g := testGenerator(report.NewMemory(), store.NewMemory(), &recordingRescorer{})

	cases := []func(*model.Report){
		func(r *model.Report) { r.ID = "" },
		func(r *model.Report) { r.Type = "stolen" },
		func(r *model.Report) { r.Location.Lat = 91 },
		func(r *model.Report) { r.Location.Lon = -181 },
		func(r *model.Report) { r.OccurredAt = time.Time{} },
	}
	for _, mutate := range cases {
		r := testReport("lost-1", model.ReportTypeLost)
		mutate(&r)

		_, err := g.GenerateForReport(context.Background(), &r)
		require.Error(t, err)
		// Malformed input is rejected outright, not retried.
		assert.True(t, resilience.IsPermanent(err))
	}

	_, err := g.GenerateForReport(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestGenerateForReportScoringFailureIsIsolated(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	g := testGenerator(reports, matches, &recordingRescorer{
		failFor: map[string]error{},
	})

	lost := testReport("lost-1", model.ReportTypeLost)
	reports.Put(lost)
	reports.Put(testReport("found-1", model.ReportTypeFound))
	reports.Put(testReport("found-2", model.ReportTypeFound))

	// Pre-create the found-1 pair so its match ID is known, then fail it.
	seed := store.NewMatch("lost-1", "found-1")
	pre, _, err := matches.UpsertCandidate(context.Background(), &seed)
	require.NoError(t, err)
	rescorer := g.rescorer.(*recordingRescorer)
	rescorer.failFor[pre.ID] = resilience.NewPermanentError(eris.New("scorer rejected pair"))

	stats, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Paired)
	assert.Equal(t, 1, stats.Scored)
	assert.Equal(t, 1, stats.Failed)
}

// upsertCountingStore records which upsert entrypoints the generator uses.
type upsertCountingStore struct {
	store.Store
	bulk   atomic.Int32
	single atomic.Int32
}

func (s *upsertCountingStore) UpsertCandidates(ctx context.Context, ms []model.Match) (int64, error) {
	s.bulk.Add(1)
	return s.Store.UpsertCandidates(ctx, ms)
}

func (s *upsertCountingStore) UpsertCandidate(ctx context.Context, m *model.Match) (*model.Match, bool, error) {
	s.single.Add(1)
	return s.Store.UpsertCandidate(ctx, m)
}

func TestGenerateForReportUsesBulkUpsert(t *testing.T) {
	reports := report.NewMemory()
	wrapped := &upsertCountingStore{Store: store.NewMemory()}
	g := testGenerator(reports, wrapped, &recordingRescorer{})

	lost := testReport("lost-1", model.ReportTypeLost)
	reports.Put(lost)
	reports.Put(testReport("found-1", model.ReportTypeFound))
	reports.Put(testReport("found-2", model.ReportTypeFound))

	stats, err := g.GenerateForReport(context.Background(), &lost)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)

	// All pairs land in one bulk write, never row-by-row.
	assert.Equal(t, int32(1), wrapped.bulk.Load())
	assert.Equal(t, int32(0), wrapped.single.Load())
}

func TestSweep(t *testing.T) {
	reports := report.NewMemory()
	matches := store.NewMemory()
	rescorer := &recordingRescorer{}
	g := testGenerator(reports, matches, rescorer)

	reports.Put(testReport("lost-1", model.ReportTypeLost))
	reports.Put(testReport("found-1", model.ReportTypeFound))

	stats, err := g.Sweep(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	// Both reports are swept; the pair is created once and rescored from
	// both sides.
	assert.Equal(t, 2, stats.Paired)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 2, stats.Scored)
}
