// Package report defines the engine's read-only view of the report store,
// which is owned by the platform's CRUD services. The engine never mutates
// reports; it only reads them for candidate generation and rescoring.
package report

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/model"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = eris.New("report: not found")

// CandidateQuery is the coarse prefilter pushed down to the report store
// when enumerating potential counterparts for a report. It deliberately
// stays cheap (type, category, bounding box, time window); precise scoring
// happens later through the component scorers.
type CandidateQuery struct {
	Type         model.ReportType
	Categories   []string
	MinLat       float64
	MaxLat       float64
	MinLon       float64
	MaxLon       float64
	OccurredFrom time.Time
	OccurredTo   time.Time
	Limit        int
}

// Store is the consumed report-store collaborator.
type Store interface {
	// GetReport fetches one report by ID.
	GetReport(ctx context.Context, id string) (*model.Report, error)

	// ListCandidates returns approved reports matching the coarse
	// prefilter, for pairing against a reference report.
	ListCandidates(ctx context.Context, q CandidateQuery) ([]model.Report, error)

	// ListChangedSince returns reports whose version was bumped at or
	// after the given time, for periodic reconciliation sweeps.
	ListChangedSince(ctx context.Context, since time.Time) ([]model.Report, error)
}
