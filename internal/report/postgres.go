package report

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/db"
	"github.com/reunite-hq/match-engine/internal/model"
)

// Postgres is a read-only adapter over the platform's reports table for
// deployments where the report store shares a database with the engine.
type Postgres struct {
	pool db.Pool
}

// NewPostgres creates a read-only Postgres report adapter.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const reportColumns = `id, type, category, description, lat, lon, fuzz_radius_m, occurred_at, media_refs, owner_id, status, version`

// GetReport implements Store.
func (p *Postgres) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)

	r, err := scanReport(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "report %s", id)
		}
		return nil, eris.Wrapf(err, "report: get %s", id)
	}
	return r, nil
}

// ListCandidates implements Store.
func (p *Postgres) ListCandidates(ctx context.Context, q CandidateQuery) ([]model.Report, error) {
	sql := `SELECT ` + reportColumns + ` FROM reports
WHERE type = $1 AND status = 'approved'
  AND lat BETWEEN $2 AND $3
  AND lon BETWEEN $4 AND $5`
	args := []any{string(q.Type), q.MinLat, q.MaxLat, q.MinLon, q.MaxLon}
	argNum := 6

	if len(q.Categories) > 0 {
		sql += fmt.Sprintf(" AND category = ANY($%d)", argNum)
		args = append(args, q.Categories)
		argNum++
	}
	if !q.OccurredFrom.IsZero() {
		sql += fmt.Sprintf(" AND occurred_at >= $%d", argNum)
		args = append(args, q.OccurredFrom)
		argNum++
	}
	if !q.OccurredTo.IsZero() {
		sql += fmt.Sprintf(" AND occurred_at <= $%d", argNum)
		args = append(args, q.OccurredTo)
		argNum++
	}
	sql += " ORDER BY occurred_at DESC"
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, q.Limit)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "report: list candidates")
	}
	defer rows.Close()

	return scanReports(rows)
}

// ListChangedSince implements Store.
func (p *Postgres) ListChangedSince(ctx context.Context, since time.Time) ([]model.Report, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE updated_at >= $1 ORDER BY updated_at`, since)
	if err != nil {
		return nil, eris.Wrap(err, "report: list changed")
	}
	defer rows.Close()

	return scanReports(rows)
}

func scanReports(rows pgx.Rows) ([]model.Report, error) {
	var out []model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "report: scan row")
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "report: iterate rows")
	}
	return out, nil
}

func scanReport(row pgx.Row) (*model.Report, error) {
	var r model.Report
	var typ, status string
	err := row.Scan(
		&r.ID,
		&typ,
		&r.Category,
		&r.Description,
		&r.Location.Lat,
		&r.Location.Lon,
		&r.Location.FuzzRadiusM,
		&r.OccurredAt,
		&r.MediaRefs,
		&r.OwnerID,
		&status,
		&r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Type = model.ReportType(typ)
	r.Status = model.ReportStatus(status)
	return &r, nil
}
