package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var _ AgencyRepository = (*AgencyRepo)(nil)

type AgencyRepo struct {
	db *DB
}

func NewAgencyRepository(db *DB) *AgencyRepo {
	return &AgencyRepo{db: db}
}

const agencyColumns = `code, name, country, category, url, enabled, last_run_at, last_success_at,
	last_error, degraded, created_at, updated_at`

// UpsertAgency syncs the configured attributes of an agency. Run state
// (last run, last error, degraded) is owned by RecordRun and left untouched.
func (r *AgencyRepo) UpsertAgency(ctx context.Context, agency Agency) error {
	now := timestamp(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agencies (code, name, country, category, url, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			country = EXCLUDED.country,
			category = EXCLUDED.category,
			url = EXCLUDED.url,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`, strings.ToUpper(agency.Code), agency.Name, agency.Country, agency.Category, agency.URL, agency.Enabled, now)
	if err != nil {
		return fmt.Errorf("failed to upsert agency: %w", err)
	}
	return nil
}

func (r *AgencyRepo) GetAgency(ctx context.Context, code string) (*Agency, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE code = $1`, strings.ToUpper(code))
	agency, err := scanAgency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agency: %w", err)
	}
	return agency, nil
}

func (r *AgencyRepo) ListAgencies(ctx context.Context) ([]Agency, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+agencyColumns+` FROM agencies ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agencies: %w", err)
	}
	defer rows.Close()

	var agencies []Agency
	for rows.Next() {
		agency, err := scanAgency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agency row: %w", err)
		}
		agencies = append(agencies, *agency)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agency rows: %w", err)
	}
	return agencies, nil
}

// RecordRun stores the outcome of a connector run. A failed run marks the
// agency degraded until the next successful one.
func (r *AgencyRepo) RecordRun(ctx context.Context, code string, runAt time.Time, runErr error) error {
	var err error
	if runErr != nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE agencies SET last_run_at = $2, last_error = $3, degraded = $4, updated_at = $2
			WHERE code = $1
		`, strings.ToUpper(code), timestamp(runAt), runErr.Error(), true)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE agencies SET last_run_at = $2, last_success_at = $2, last_error = '', degraded = $3, updated_at = $2
			WHERE code = $1
		`, strings.ToUpper(code), timestamp(runAt), false)
	}
	if err != nil {
		return fmt.Errorf("failed to record agency run: %w", err)
	}
	return nil
}

func scanAgency(row rowScanner) (*Agency, error) {
	var (
		agency                 Agency
		lastRunAt, lastSuccess nullTime
		createdAt, updatedAt   nullTime
	)
	err := row.Scan(&agency.Code, &agency.Name, &agency.Country, &agency.Category, &agency.URL,
		&agency.Enabled, &lastRunAt, &lastSuccess, &agency.LastError, &agency.Degraded,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	agency.LastRunAt = lastRunAt.Ptr()
	agency.LastSuccessAt = lastSuccess.Ptr()
	agency.CreatedAt = createdAt.Time
	agency.UpdatedAt = updatedAt.Time
	return &agency, nil
}
