// Package store persists the engine's durable state: the Match table, the
// weight configuration record, and the append-only transition audit table.
// Everything else the engine touches is owned by collaborators.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/model"
)

// ErrNotFound is returned when a match does not exist.
var ErrNotFound = eris.New("store: match not found")

// ErrVersionConflict is returned when an optimistic write loses the race
// against a concurrent mutation. Callers retry from a fresh read.
var ErrVersionConflict = eris.New("store: version conflict")

// MatchFilter specifies criteria for listing matches.
type MatchFilter struct {
	Status   model.MatchStatus `json:"status,omitempty"`
	MinScore *float64          `json:"min_score,omitempty"`
	MaxScore *float64          `json:"max_score,omitempty"`
	From     *time.Time        `json:"from,omitempty"`
	To       *time.Time        `json:"to,omitempty"`
	ReportID string            `json:"report_id,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// PagedMatches is one page of a match listing.
type PagedMatches struct {
	Matches []model.Match `json:"matches"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// Store defines the persistence interface for the match engine.
type Store interface {
	// UpsertCandidate inserts the match keyed by pair_key, or returns the
	// existing match untouched. The returned bool is true when a new row
	// was created. Existing rows keep their status, scores, and moderator
	// decision; repeated candidate generation is idempotent.
	UpsertCandidate(ctx context.Context, m *model.Match) (*model.Match, bool, error)

	// UpsertCandidates bulk-inserts candidate matches, skipping pairs that
	// already exist. Returns the number of rows created.
	UpsertCandidates(ctx context.Context, ms []model.Match) (int64, error)

	// GetMatch fetches one match by ID.
	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// ListMatches returns a filtered, paginated listing.
	ListMatches(ctx context.Context, f MatchFilter) (*PagedMatches, error)

	// ListMatchesByReport returns every match referencing the report.
	ListMatchesByReport(ctx context.Context, reportID string) ([]model.Match, error)

	// UpdateMatch persists the match's mutable fields (scores, status,
	// decision) guarded by expectedVersion. On success the stored version
	// is expectedVersion+1 and the returned match reflects it; a stale
	// expectedVersion yields ErrVersionConflict and no mutation.
	UpdateMatch(ctx context.Context, m *model.Match, expectedVersion int64) (*model.Match, error)

	// GetWeightConfig returns the latest persisted weight configuration,
	// or nil when none has been saved yet.
	GetWeightConfig(ctx context.Context) (*model.WeightConfig, error)

	// SaveWeightConfig appends a new weight configuration version.
	SaveWeightConfig(ctx context.Context, cfg *model.WeightConfig) error

	// AppendAudit records a transition in the append-only audit table.
	AppendAudit(ctx context.Context, entry model.AuditEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// NewMatch builds a fresh candidate match for a report pair.
func NewMatch(sourceID, candidateID string) model.Match {
	now := time.Now().UTC()
	return model.Match{
		ID:                uuid.New().String(),
		PairKey:           model.PairKey(sourceID, candidateID),
		SourceReportID:    sourceID,
		CandidateReportID: candidateID,
		Status:            model.StatusCandidate,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
