package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ RunRepository = (*RunRepo)(nil)

type RunRepo struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) CreateRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, status, started_at) VALUES ($1, $2, $3)
	`, id, RunStatusRunning, timestamp(startedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun closes a run. report is the JSON encoded run report.
func (r *RunRepo) FinishRun(ctx context.Context, id, status string, finishedAt time.Time, report []byte) error {
	var value any
	if report != nil {
		value = string(report)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingest_runs SET status = $2, finished_at = $3, report = $4 WHERE id = $1
	`, id, status, timestamp(finishedAt), value)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (r *RunRepo) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, finished_at, report FROM ingest_runs WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (r *RunRepo) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, started_at, finished_at, report FROM ingest_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                   Run
		startedAt, finishedAt nullTime
		report                sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Status, &startedAt, &finishedAt, &report); err != nil {
		return nil, err
	}
	run.StartedAt = startedAt.Time
	run.FinishedAt = finishedAt.Ptr()
	if report.Valid {
		run.Report = []byte(report.String)
	}
	return &run, nil
}
