package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

// ErrNotFound is returned when no archived pipeline has the requested id.
var ErrNotFound = errors.New("pipeline not archived")

const pipelineColumns = `id, status, current_stage, started_at, completed_at, error_message,
	execution_seconds, date_start, date_end, tables, stage_progress, retry_counts, archived_at`

// ListOptions narrows List.
type ListOptions struct {
	Status *coordinator.Status
	// Limit caps the result; zero means no limit.
	Limit int
}

// PipelineRepository stores finalized pipeline snapshots.
type PipelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ coordinator.Archive = (*PipelineRepository)(nil)

func newPipelineRepository(db *sql.DB) *PipelineRepository {
	return &PipelineRepository{db: db, now: time.Now}
}

func scanPipeline(scanner interface{ Scan(...any) error }) (*PipelineModel, error) {
	var m PipelineModel
	err := scanner.Scan(
		&m.ID, &m.Status, &m.CurrentStage, &m.StartedAt, &m.CompletedAt, &m.ErrorMessage,
		&m.ExecutionSeconds, &m.DateStart, &m.DateEnd, &m.Tables, &m.StageProgress, &m.RetryCounts,
		&m.ArchivedAt,
	)
	return &m, err
}

// SavePipeline inserts snap, replacing any earlier row with the same id.
func (r *PipelineRepository) SavePipeline(ctx context.Context, snap coordinator.Snapshot) error {
	m, err := toPipelineModel(snap, r.now())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO pipelines (`+pipelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			execution_seconds = excluded.execution_seconds,
			date_start = excluded.date_start,
			date_end = excluded.date_end,
			tables = excluded.tables,
			stage_progress = excluded.stage_progress,
			retry_counts = excluded.retry_counts,
			archived_at = excluded.archived_at`,
		m.ID, m.Status, m.CurrentStage, m.StartedAt, m.CompletedAt, m.ErrorMessage,
		m.ExecutionSeconds, m.DateStart, m.DateEnd, m.Tables, m.StageProgress, m.RetryCounts,
		m.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", snap.ID, err)
	}
	return nil
}

// FindByID returns the archived snapshot for id.
func (r *PipelineRepository) FindByID(ctx context.Context, id string) (coordinator.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	m, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return coordinator.Snapshot{}, fmt.Errorf("failed to find pipeline %s: %w", id, err)
	}
	return m.toSnapshot()
}

// List returns archived snapshots, newest start first.
func (r *PipelineRepository) List(ctx context.Context, opts ListOptions) ([]coordinator.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}

	query := `SELECT ` + pipelineColumns + ` FROM pipelines`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []coordinator.Snapshot
	for rows.Next() {
		m, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		snap, err := m.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return out, nil
}

// CountByStatus returns how many archived pipelines ended in each status.
func (r *PipelineRepository) CountByStatus(ctx context.Context) (map[coordinator.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pipelines GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[coordinator.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to count pipelines: %w", err)
		}
		out[coordinator.Status(status)] = n
	}
	return out, rows.Err()
}

// Prune deletes pipelines archived before cutoff and returns how many went.
func (r *PipelineRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pipelines WHERE archived_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune pipelines: %w", err)
	}
	return res.RowsAffected()
}
