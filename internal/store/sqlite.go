package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/reunite-hq/match-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// single-node and development deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS matches (
	id                  TEXT PRIMARY KEY,
	pair_key            TEXT NOT NULL UNIQUE,
	source_report_id    TEXT NOT NULL,
	candidate_report_id TEXT NOT NULL,
	component_scores    TEXT NOT NULL DEFAULT '{}',
	aggregate_score     REAL,
	status              TEXT NOT NULL DEFAULT 'candidate',
	decided_by          TEXT,
	decided_at          DATETIME,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
CREATE INDEX IF NOT EXISTS idx_matches_score ON matches(aggregate_score);
CREATE INDEX IF NOT EXISTS idx_matches_source_report ON matches(source_report_id);
CREATE INDEX IF NOT EXISTS idx_matches_candidate_report ON matches(candidate_report_id);

CREATE TABLE IF NOT EXISTS match_audit (
	id              TEXT PRIMARY KEY,
	match_id        TEXT NOT NULL REFERENCES matches(id),
	actor           TEXT NOT NULL,
	from_status     TEXT NOT NULL,
	to_status       TEXT NOT NULL,
	aggregate_score REAL,
	at              DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_match_audit_match_id ON match_audit(match_id);

CREATE TABLE IF NOT EXISTS weight_config (
	version    INTEGER PRIMARY KEY,
	weights    TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Migrate creates the engine's tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertCandidate implements Store.
func (s *SQLiteStore) UpsertCandidate(ctx context.Context, m *model.Match) (*model.Match, bool, error) {
	scores, err := json.Marshal(m.ComponentScores)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal component scores")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO matches (id, pair_key, source_report_id, candidate_report_id, component_scores, aggregate_score, status, decided_by, decided_at, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PairKey, m.SourceReportID, m.CandidateReportID,
		string(scores), m.AggregateScore, string(m.Status), m.DecidedBy,
		m.DecidedAt, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: upsert candidate %s", m.PairKey)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		out := *m
		return &out, true, nil
	}

	existing, err := s.getMatchBy(ctx, `SELECT `+sqliteMatchColumns+` FROM matches WHERE pair_key = ?`, m.PairKey)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: load existing match %s", m.PairKey)
	}
	return existing, false, nil
}

// UpsertCandidates implements Store. SQLite has no COPY path; the loop is
// fine at single-node scale.
func (s *SQLiteStore) UpsertCandidates(ctx context.Context, ms []model.Match) (int64, error) {
	var created int64
	for i := range ms {
		_, isNew, err := s.UpsertCandidate(ctx, &ms[i])
		if err != nil {
			return created, err
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

const sqliteMatchColumns = `id, pair_key, source_report_id, candidate_report_id, component_scores, aggregate_score, status, decided_by, decided_at, version, created_at, updated_at`

// GetMatch implements Store.
func (s *SQLiteStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := s.getMatchBy(ctx, `SELECT `+sqliteMatchColumns+` FROM matches WHERE id = ?`, id)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "match %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get match %s", id)
	}
	return m, nil
}

func (s *SQLiteStore) getMatchBy(ctx context.Context, query string, arg any) (*model.Match, error) {
	return scanSQLiteMatch(s.db.QueryRowContext(ctx, query, arg))
}

// ListMatches implements Store.
func (s *SQLiteStore) ListMatches(ctx context.Context, f MatchFilter) (*PagedMatches, error) {
	where := " WHERE 1=1"
	var args []any

	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.MinScore != nil {
		where += " AND aggregate_score >= ?"
		args = append(args, *f.MinScore)
	}
	if f.MaxScore != nil {
		where += " AND aggregate_score <= ?"
		args = append(args, *f.MaxScore)
	}
	if f.From != nil {
		where += " AND updated_at >= ?"
		args = append(args, *f.From)
	}
	if f.To != nil {
		where += " AND updated_at <= ?"
		args = append(args, *f.To)
	}
	if f.ReportID != "" {
		where += " AND (source_report_id = ? OR candidate_report_id = ?)"
		args = append(args, f.ReportID, f.ReportID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM matches"+where, args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: count matches")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + sqliteMatchColumns + ` FROM matches` + where +
		` ORDER BY aggregate_score IS NULL, aggregate_score DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list matches")
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanSQLiteMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match row")
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate match rows")
	}

	return &PagedMatches{Matches: matches, Total: total, Limit: limit, Offset: offset}, nil
}

// ListMatchesByReport implements Store.
func (s *SQLiteStore) ListMatchesByReport(ctx context.Context, reportID string) ([]model.Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMatchColumns+` FROM matches WHERE source_report_id = ? OR candidate_report_id = ? ORDER BY created_at`,
		reportID, reportID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list matches for report %s", reportID)
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanSQLiteMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match row")
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate match rows")
	}
	return matches, nil
}

// UpdateMatch implements Store with the same version-guard semantics as the
// Postgres implementation.
func (s *SQLiteStore) UpdateMatch(ctx context.Context, m *model.Match, expectedVersion int64) (*model.Match, error) {
	scores, err := json.Marshal(m.ComponentScores)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal component scores")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET component_scores = ?, aggregate_score = ?, status = ?, decided_by = ?, decided_at = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		string(scores), m.AggregateScore, string(m.Status), m.DecidedBy, m.DecidedAt, now, m.ID, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update match %s", m.ID)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetMatch(ctx, m.ID); err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrVersionConflict, "match %s at version %d", m.ID, expectedVersion)
	}

	out := *m
	out.ComponentScores = m.ComponentScores.Clone()
	out.Version = expectedVersion + 1
	out.UpdatedAt = now
	return &out, nil
}

// GetWeightConfig implements Store.
func (s *SQLiteStore) GetWeightConfig(ctx context.Context) (*model.WeightConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, weights, updated_by, updated_at FROM weight_config ORDER BY version DESC LIMIT 1`)

	var cfg model.WeightConfig
	var weights string
	if err := row.Scan(&cfg.Version, &weights, &cfg.UpdatedBy, &cfg.UpdatedAt); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get weight config")
	}
	if err := json.Unmarshal([]byte(weights), &cfg.Weights); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal weights")
	}
	return &cfg, nil
}

// SaveWeightConfig implements Store.
func (s *SQLiteStore) SaveWeightConfig(ctx context.Context, cfg *model.WeightConfig) error {
	weights, err := json.Marshal(cfg.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal weights")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO weight_config (version, weights, updated_by, updated_at) VALUES (?, ?, ?, ?)`,
		cfg.Version, string(weights), cfg.UpdatedBy, cfg.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save weight config v%d", cfg.Version)
}

// AppendAudit implements Store.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO match_audit (id, match_id, actor, from_status, to_status, aggregate_score, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entry.MatchID, entry.Actor, string(entry.FromStatus), string(entry.ToStatus), entry.AggregateScore, entry.At,
	)
	return eris.Wrapf(err, "sqlite: append audit for match %s", entry.MatchID)
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteMatch(row sqliteRow) (*model.Match, error) {
	var m model.Match
	var scores string
	var status string
	var aggregate sql.NullFloat64
	var decidedBy sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(
		&m.ID,
		&m.PairKey,
		&m.SourceReportID,
		&m.CandidateReportID,
		&scores,
		&aggregate,
		&status,
		&decidedBy,
		&decidedAt,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	if aggregate.Valid {
		v := aggregate.Float64
		m.AggregateScore = &v
	}
	if decidedBy.Valid {
		v := decidedBy.String
		m.DecidedBy = &v
	}
	if decidedAt.Valid {
		v := decidedAt.Time
		m.DecidedAt = &v
	}
	if scores != "" {
		if err := json.Unmarshal([]byte(scores), &m.ComponentScores); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal component scores")
		}
	}
	if len(m.ComponentScores) == 0 {
		m.ComponentScores = nil
	}
	return &m, nil
}
