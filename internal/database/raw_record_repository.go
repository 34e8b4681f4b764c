package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

var _ RawRecordRepository = (*RawRecordRepo)(nil)

// RawRecordRepo keeps the upstream payload of every distinct delivery so a
// canonical recall can be traced back to what the agency actually published.
type RawRecordRepo struct {
	db *DB
}

func NewRawRecordRepository(db *DB) *RawRecordRepo {
	return &RawRecordRepo{db: db}
}

// Insert stores raw unless an identical payload was already recorded for the
// same (agency, external id). It reports whether a row was written.
func (r *RawRecordRepo) Insert(ctx context.Context, raw recall.RawRecallRecord) (bool, error) {
	sum := sha256.Sum256(raw.Payload)
	fetchedAt := raw.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO raw_recall_records (source_agency, agency_country, external_id, payload, content_hash, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_agency, external_id, content_hash) DO NOTHING
	`, strings.ToUpper(raw.SourceAgency), raw.AgencyCountry, raw.ExternalID, raw.Payload,
		hex.EncodeToString(sum[:]), timestamp(fetchedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert raw record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored payloads, for one agency or all of them
// when agency is empty.
func (r *RawRecordRepo) Count(ctx context.Context, agency string) (int, error) {
	var count int
	var err error
	if agency == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_recall_records`).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM raw_recall_records WHERE source_agency = $1
		`, strings.ToUpper(agency)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count raw records: %w", err)
	}
	return count, nil
}
