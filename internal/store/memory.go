package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Memory is an in-memory Store with the same semantics as the SQL
// backends, including the version guard. Used by tests and wherever an
// ephemeral store is acceptable.
type Memory struct {
	mu      sync.Mutex
	matches map[string]*model.Match
	byPair  map[string]string
	weights []model.WeightConfig
	audits  []model.AuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		matches: make(map[string]*model.Match),
		byPair:  make(map[string]string),
	}
}

// UpsertCandidate implements Store.
func (s *Memory) UpsertCandidate(_ context.Context, m *model.Match) (*model.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[m.PairKey]; ok {
		out := cloneMatch(s.matches[id])
		return out, false, nil
	}

	stored := cloneMatch(m)
	s.matches[stored.ID] = stored
	s.byPair[stored.PairKey] = stored.ID
	return cloneMatch(stored), true, nil
}

// UpsertCandidates implements Store.
func (s *Memory) UpsertCandidates(ctx context.Context, ms []model.Match) (int64, error) {
	var created int64
	for i := range ms {
		if _, ok, err := s.UpsertCandidate(ctx, &ms[i]); err != nil {
			return created, err
		} else if ok {
			created++
		}
	}
	return created, nil
}

// GetMatch implements Store.
func (s *Memory) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "match %s", id)
	}
	return cloneMatch(m), nil
}

// ListMatches implements Store.
func (s *Memory) ListMatches(_ context.Context, f MatchFilter) (*PagedMatches, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Match
	for _, m := range s.matches {
		if matchesFilter(m, f) {
			all = append(all, *cloneMatch(m))
		}
	}

	// Highest confidence first, insufficient-data matches last.
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].AggregateScore, all[j].AggregateScore
		switch {
		case a != nil && b != nil && *a != *b:
			return *a > *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &PagedMatches{Matches: all[offset:end], Total: total, Limit: limit, Offset: offset}, nil
}

// ListMatchesByReport implements Store.
func (s *Memory) ListMatchesByReport(_ context.Context, reportID string) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Match
	for _, m := range s.matches {
		if m.References(reportID) {
			out = append(out, *cloneMatch(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateMatch implements Store.
func (s *Memory) UpdateMatch(_ context.Context, m *model.Match, expectedVersion int64) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.matches[m.ID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "match %s", m.ID)
	}
	if cur.Version != expectedVersion {
		return nil, eris.Wrapf(ErrVersionConflict, "match %s at version %d", m.ID, expectedVersion)
	}

	next := cloneMatch(m)
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.matches[m.ID] = next
	return cloneMatch(next), nil
}

// GetWeightConfig implements Store.
func (s *Memory) GetWeightConfig(_ context.Context) (*model.WeightConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.weights) == 0 {
		return nil, nil
	}
	latest := s.weights[len(s.weights)-1]
	return latest.Clone(), nil
}

// SaveWeightConfig implements Store.
func (s *Memory) SaveWeightConfig(_ context.Context, cfg *model.WeightConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = append(s.weights, *cfg.Clone())
	return nil
}

// AppendAudit implements Store.
func (s *Memory) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// AuditEntries returns a copy of the appended audit log.
func (s *Memory) AuditEntries() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

// Migrate implements Store.
func (s *Memory) Migrate(context.Context) error { return nil }

// Close implements Store.
func (s *Memory) Close() error { return nil }

func matchesFilter(m *model.Match, f MatchFilter) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.MinScore != nil && (m.AggregateScore == nil || *m.AggregateScore < *f.MinScore) {
		return false
	}
	if f.MaxScore != nil && (m.AggregateScore == nil || *m.AggregateScore > *f.MaxScore) {
		return false
	}
	if f.From != nil && m.UpdatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && m.UpdatedAt.After(*f.To) {
		return false
	}
	if f.ReportID != "" && !m.References(f.ReportID) {
		return false
	}
	return true
}

func cloneMatch(m *model.Match) *model.Match {
	out := *m
	out.ComponentScores = m.ComponentScores.Clone()
	if m.AggregateScore != nil {
		v := *m.AggregateScore
		out.AggregateScore = &v
	}
	if m.DecidedBy != nil {
		v := *m.DecidedBy
		out.DecidedBy = &v
	}
	if m.DecidedAt != nil {
		v := *m.DecidedAt
		out.DecidedAt = &v
	}
	return &out
}
