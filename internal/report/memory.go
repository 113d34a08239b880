package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Memory is an in-memory Store used by tests and single-process dev setups.
type Memory struct {
	mu      sync.RWMutex
	reports map[string]model.Report
	changed map[string]time.Time
}

// NewMemory creates an empty in-memory report store.
func NewMemory() *Memory {
	return &Memory{
		reports: make(map[string]model.Report),
		changed: make(map[string]time.Time),
	}
}

// Put inserts or replaces a report, recording the change time.
func (m *Memory) Put(r model.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	m.changed[r.ID] = time.Now().UTC()
}

// GetReport implements Store.
func (m *Memory) GetReport(_ context.Context, id string) (*model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	return &out, nil
}

// ListCandidates implements Store.
func (m *Memory) ListCandidates(_ context.Context, q CandidateQuery) ([]model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	categories := make(map[string]bool, len(q.Categories))
	for _, c := range q.Categories {
		categories[c] = true
	}

	var out []model.Report
	for _, r := range m.reports {
		if r.Type != q.Type || r.Status != model.ReportStatusApproved {
			continue
		}
		if len(categories) > 0 && !categories[r.Category] {
			continue
		}
		if r.Location.Lat < q.MinLat || r.Location.Lat > q.MaxLat ||
			r.Location.Lon < q.MinLon || r.Location.Lon > q.MaxLon {
			continue
		}
		if !q.OccurredFrom.IsZero() && r.OccurredAt.Before(q.OccurredFrom) {
			continue
		}
		if !q.OccurredTo.IsZero() && r.OccurredAt.After(q.OccurredTo) {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListChangedSince implements Store.
func (m *Memory) ListChangedSince(_ context.Context, since time.Time) ([]model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Report
	for id, at := range m.changed {
		if at.Before(since) {
			continue
		}
		out = append(out, m.reports[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
