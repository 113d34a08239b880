package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/db"
	"github.com/reunite-hq/match-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const matchColumns = `id, pair_key, source_report_id, candidate_report_id, component_scores, aggregate_score, status, decided_by, decided_at, version, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_match":       `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`,
	"get_match_pair":  `SELECT ` + matchColumns + ` FROM matches WHERE pair_key = $1`,
	"insert_match":    `INSERT INTO matches (` + matchColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (pair_key) DO NOTHING`,
	"update_match":    `UPDATE matches SET component_scores = $1, aggregate_score = $2, status = $3, decided_by = $4, decided_at = $5, version = version + 1, updated_at = $6 WHERE id = $7 AND version = $8`,
	"matches_by_rpt":  `SELECT ` + matchColumns + ` FROM matches WHERE source_report_id = $1 OR candidate_report_id = $1 ORDER BY created_at`,
	"insert_audit":    `INSERT INTO match_audit (id, match_id, actor, from_status, to_status, aggregate_score, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"latest_weights":  `SELECT version, weights, updated_by, updated_at FROM weight_config ORDER BY version DESC LIMIT 1`,
	"insert_weights":  `INSERT INTO weight_config (version, weights, updated_by, updated_at) VALUES ($1, $2, $3, $4)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests (pgxmock) and
// by callers that share one pool across subsystems.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., the read-only report adapter).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS matches (
	id                  TEXT PRIMARY KEY,
	pair_key            TEXT NOT NULL UNIQUE,
	source_report_id    TEXT NOT NULL,
	candidate_report_id TEXT NOT NULL,
	component_scores    JSONB NOT NULL DEFAULT '{}'::jsonb,
	aggregate_score     DOUBLE PRECISION,
	status              TEXT NOT NULL DEFAULT 'candidate',
	decided_by          TEXT,
	decided_at          TIMESTAMPTZ,
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
CREATE INDEX IF NOT EXISTS idx_matches_score ON matches(aggregate_score);
CREATE INDEX IF NOT EXISTS idx_matches_source_report ON matches(source_report_id);
CREATE INDEX IF NOT EXISTS idx_matches_candidate_report ON matches(candidate_report_id);
CREATE INDEX IF NOT EXISTS idx_matches_updated_at ON matches(updated_at);

CREATE TABLE IF NOT EXISTS match_audit (
	id              TEXT PRIMARY KEY,
	match_id        TEXT NOT NULL REFERENCES matches(id),
	actor           TEXT NOT NULL,
	from_status     TEXT NOT NULL,
	to_status       TEXT NOT NULL,
	aggregate_score DOUBLE PRECISION,
	at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_match_audit_match_id ON match_audit(match_id);
CREATE INDEX IF NOT EXISTS idx_match_audit_at ON match_audit(at);

CREATE TABLE IF NOT EXISTS weight_config (
	version    BIGINT PRIMARY KEY,
	weights    JSONB NOT NULL,
	updated_by TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the engine's tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertCandidate implements Store.
func (s *PostgresStore) UpsertCandidate(ctx context.Context, m *model.Match) (*model.Match, bool, error) {
	row := prepareMatchRow(m)

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO matches (`+matchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (pair_key) DO NOTHING`,
		row...,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: upsert candidate %s", m.PairKey)
	}

	if tag.RowsAffected() == 1 {
		out := *m
		return &out, true, nil
	}

	existing, err := s.getMatchBy(ctx, `SELECT `+matchColumns+` FROM matches WHERE pair_key = $1`, m.PairKey)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: load existing match %s", m.PairKey)
	}
	return existing, false, nil
}

// UpsertCandidates implements Store using a bulk COPY + ON CONFLICT DO NOTHING.
func (s *PostgresStore) UpsertCandidates(ctx context.Context, ms []model.Match) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(ms))
	for i := range ms {
		rows = append(rows, prepareMatchRow(&ms[i]))
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "matches",
		Columns: []string{
			"id", "pair_key", "source_report_id", "candidate_report_id",
			"component_scores", "aggregate_score", "status", "decided_by",
			"decided_at", "version", "created_at", "updated_at",
		},
		ConflictKeys: []string{"pair_key"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk upsert candidates")
	}
	return n, nil
}

// GetMatch implements Store.
func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := s.getMatchBy(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "match %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get match %s", id)
	}
	return m, nil
}

func (s *PostgresStore) getMatchBy(ctx context.Context, sql string, arg any) (*model.Match, error) {
	row := s.pool.QueryRow(ctx, sql, arg)
	return scanMatchRow(row)
}

// ListMatches implements Store.
func (s *PostgresStore) ListMatches(ctx context.Context, f MatchFilter) (*PagedMatches, error) {
	where := " WHERE 1=1"
	var args []any
	argNum := 1

	add := func(clause string, val any) {
		where += fmt.Sprintf(clause, argNum)
		args = append(args, val)
		argNum++
	}

	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if f.MinScore != nil {
		add(" AND aggregate_score >= $%d", *f.MinScore)
	}
	if f.MaxScore != nil {
		add(" AND aggregate_score <= $%d", *f.MaxScore)
	}
	if f.From != nil {
		add(" AND updated_at >= $%d", *f.From)
	}
	if f.To != nil {
		add(" AND updated_at <= $%d", *f.To)
	}
	if f.ReportID != "" {
		where += fmt.Sprintf(" AND (source_report_id = $%d OR candidate_report_id = $%d)", argNum, argNum)
		args = append(args, f.ReportID)
		argNum++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM matches"+where, args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: count matches")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	sql := `SELECT ` + matchColumns + ` FROM matches` + where +
		fmt.Sprintf(" ORDER BY aggregate_score DESC NULLS LAST, created_at DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list matches")
	}
	defer rows.Close()

	matches, err := scanMatchRows(rows)
	if err != nil {
		return nil, err
	}

	return &PagedMatches{Matches: matches, Total: total, Limit: limit, Offset: offset}, nil
}

// ListMatchesByReport implements Store.
func (s *PostgresStore) ListMatchesByReport(ctx context.Context, reportID string) ([]model.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE source_report_id = $1 OR candidate_report_id = $1 ORDER BY created_at`,
		reportID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list matches for report %s", reportID)
	}
	defer rows.Close()

	return scanMatchRows(rows)
}

// UpdateMatch implements Store. The WHERE clause on version is the
// optimistic-concurrency guard; zero rows affected with an existing row
// means a concurrent writer got there first.
func (s *PostgresStore) UpdateMatch(ctx context.Context, m *model.Match, expectedVersion int64) (*model.Match, error) {
	scores, err := json.Marshal(m.ComponentScores)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal component scores")
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET component_scores = $1, aggregate_score = $2, status = $3, decided_by = $4, decided_at = $5, version = version + 1, updated_at = $6 WHERE id = $7 AND version = $8`,
		scores, m.AggregateScore, string(m.Status), m.DecidedBy, m.DecidedAt, now, m.ID, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update match %s", m.ID)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
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
func (s *PostgresStore) GetWeightConfig(ctx context.Context) (*model.WeightConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT version, weights, updated_by, updated_at FROM weight_config ORDER BY version DESC LIMIT 1`)

	var cfg model.WeightConfig
	var weights []byte
	if err := row.Scan(&cfg.Version, &weights, &cfg.UpdatedBy, &cfg.UpdatedAt); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get weight config")
	}
	if err := json.Unmarshal(weights, &cfg.Weights); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal weights")
	}
	return &cfg, nil
}

// SaveWeightConfig implements Store.
func (s *PostgresStore) SaveWeightConfig(ctx context.Context, cfg *model.WeightConfig) error {
	weights, err := json.Marshal(cfg.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO weight_config (version, weights, updated_by, updated_at) VALUES ($1, $2, $3, $4)`,
		cfg.Version, weights, cfg.UpdatedBy, cfg.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save weight config v%d", cfg.Version)
}

// AppendAudit implements Store.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_audit (id, match_id, actor, from_status, to_status, aggregate_score, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, entry.MatchID, entry.Actor, string(entry.FromStatus), string(entry.ToStatus), entry.AggregateScore, entry.At,
	)
	return eris.Wrapf(err, "postgres: append audit for match %s", entry.MatchID)
}

// prepareMatchRow lays out a match's columns in matchColumns order.
func prepareMatchRow(m *model.Match) []any {
	scores, _ := json.Marshal(m.ComponentScores)
	return []any{
		m.ID, m.PairKey, m.SourceReportID, m.CandidateReportID,
		scores, m.AggregateScore, string(m.Status), m.DecidedBy,
		m.DecidedAt, m.Version, m.CreatedAt, m.UpdatedAt,
	}
}

func scanMatchRows(rows pgx.Rows) ([]model.Match, error) {
	var out []model.Match
	for rows.Next() {
		m, err := scanMatchRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match row")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate match rows")
	}
	return out, nil
}

func scanMatchRow(row pgx.Row) (*model.Match, error) {
	var m model.Match
	var scores []byte
	var status string
	err := row.Scan(
		&m.ID,
		&m.PairKey,
		&m.SourceReportID,
		&m.CandidateReportID,
		&scores,
		&m.AggregateScore,
		&status,
		&m.DecidedBy,
		&m.DecidedAt,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &m.ComponentScores); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal component scores")
		}
	}
	if len(m.ComponentScores) == 0 {
		m.ComponentScores = nil
	}
	return &m, nil
}
