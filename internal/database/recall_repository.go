package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

var _ RecallRepository = (*RecallRepo)(nil)

type RecallRepo struct {
	db *DB
}

func NewRecallRepository(db *DB) *RecallRepo {
	return &RecallRepo{db: db}
}

const recallColumns = `id, source_agency, external_id, title, product_name, brand, manufacturer,
	model_number, description, identifiers, hazard_category, hazard_text, severity, recall_date,
	affected_countries, status, search_keywords, quality_score, low_quality,
	COALESCE(dedup_group_id, ''), created_at, updated_at`

// Upsert stores r keyed on (source_agency, external_id). The row id assigned
// on first insert is kept, and r.ID is updated to it. A record whose content
// hash is unchanged is not rewritten.
func (r *RecallRepo) Upsert(ctx context.Context, rec *recall.Recall) (UpsertResult, error) {
	identifiers, err := json.Marshal(rec.Identifiers)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal identifiers: %w", err)
	}
	countries, err := json.Marshal(rec.AffectedCountries)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal affected countries: %w", err)
	}
	hash := contentHash(rec)
	now := time.Now().UTC()

	var result UpsertResult
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existingID, existingHash string
		err := tx.QueryRowContext(ctx, `
			SELECT id, content_hash FROM recalls
			WHERE source_agency = $1 AND external_id = $2
		`, rec.SourceAgency, rec.ExternalID).Scan(&existingID, &existingHash)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO recalls (
					id, source_agency, external_id, title, product_name, brand, manufacturer,
					model_number, description, identifiers, hazard_category, hazard_text, severity,
					recall_date, affected_countries, status, search_keywords, quality_score,
					low_quality, content_hash, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
				ON CONFLICT (source_agency, external_id) DO UPDATE SET
					updated_at = EXCLUDED.updated_at
				RETURNING id
			`, rec.ID, rec.SourceAgency, rec.ExternalID, rec.Title, rec.ProductName, rec.Brand,
				rec.Manufacturer, rec.ModelNumber, rec.Description, string(identifiers),
				string(rec.HazardCategory), rec.HazardText, string(rec.Severity), date(rec.RecallDate),
				string(countries), string(rec.Status), rec.SearchKeywords, rec.QualityScore,
				rec.LowQuality, hash, timestamp(now)).Scan(&result.ID)
			if err != nil {
				return fmt.Errorf("failed to insert recall: %w", err)
			}
			result.Outcome = OutcomeInserted
			return nil

		case err != nil:
			return fmt.Errorf("failed to check existing recall: %w", err)

		case existingHash == hash:
			result = UpsertResult{ID: existingID, Outcome: OutcomeUnchanged}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE recalls SET
				title = $2, product_name = $3, brand = $4, manufacturer = $5, model_number = $6,
				description = $7, identifiers = $8, hazard_category = $9, hazard_text = $10,
				severity = $11, recall_date = $12, affected_countries = $13, status = $14,
				search_keywords = $15, quality_score = $16, low_quality = $17, content_hash = $18,
				updated_at = $19
			WHERE id = $1
		`, existingID, rec.Title, rec.ProductName, rec.Brand, rec.Manufacturer, rec.ModelNumber,
			rec.Description, string(identifiers), string(rec.HazardCategory), rec.HazardText,
			string(rec.Severity), date(rec.RecallDate), string(countries), string(rec.Status),
			rec.SearchKeywords, rec.QualityScore, rec.LowQuality, hash, timestamp(now))
		if err != nil {
			return fmt.Errorf("failed to update recall: %w", err)
		}
		result = UpsertResult{ID: existingID, Outcome: OutcomeUpdated}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	rec.ID = result.ID
	return result, nil
}

func (r *RecallRepo) GetByID(ctx context.Context, id string) (*recall.Recall, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recallColumns+` FROM recalls WHERE id = $1`, id)
	rec, err := scanRecall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recall: %w", err)
	}
	return rec, nil
}

func (r *RecallRepo) GetByExternalID(ctx context.Context, agency, externalID string) (*recall.Recall, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recallColumns+` FROM recalls
		WHERE source_agency = $1 AND external_id = $2
	`, strings.ToUpper(agency), externalID)
	rec, err := scanRecall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recall by external id: %w", err)
	}
	return rec, nil
}

// List returns recalls matching filter ordered by recall_date desc, id asc.
func (r *RecallRepo) List(ctx context.Context, filter RecallFilter) ([]recall.Recall, error) {
	query, args := listQuery(r.db.Driver, filter)

	if r.db.Driver != DriverPostgres || filter.Text == "" {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list recalls: %w", err)
		}
		return scanRecalls(rows)
	}

	var recalls []recall.Recall
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		// set_config with is_local scopes the % threshold to this transaction
		if _, err := tx.ExecContext(ctx, `SELECT set_config('pg_trgm.similarity_threshold', $1, true)`,
			strconv.FormatFloat(trigramThreshold(filter.TextFloor), 'f', -1, 64)); err != nil {
			return fmt.Errorf("failed to set similarity threshold: %w", err)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list recalls: %w", err)
		}
		recalls, err = scanRecalls(rows)
		return err
	})
	return recalls, err
}

// trigramThreshold loosens floor slightly: pg_trgm scores in float4, and
// the index prefilter must never drop a row the exact score would keep.
func trigramThreshold(floor float64) float64 {
	return max(floor-0.01, 0)
}

// listQuery builds the filtered catalog read. The text predicate uses the %
// operator so the gin_trgm_ops indexes can serve it.
func listQuery(driver string, filter RecallFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, values ...any) {
		conditions = append(conditions, fmt.Sprintf(cond, placeholders(len(args)+1, len(values))))
		args = append(args, values...)
	}

	if len(filter.Agencies) > 0 {
		values := make([]any, len(filter.Agencies))
		for i, a := range filter.Agencies {
			values[i] = strings.ToUpper(a)
		}
		add("source_agency IN (%s)", values...)
	}
	if filter.Severity != "" {
		add("severity = %s", string(filter.Severity))
	}
	if filter.HazardCategory != "" {
		add("hazard_category = %s", string(filter.HazardCategory))
	}
	if filter.DateFrom != nil {
		add("recall_date >= %s", date(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		add("recall_date <= %s", date(*filter.DateTo))
	}
	if !filter.IncludeLowQuality {
		add("low_quality = %s", false)
	}
	for _, kw := range filter.Keywords {
		add(`search_keywords LIKE %s ESCAPE '\'`, "%"+escapeLike(kw)+"%")
	}
	if driver == DriverPostgres && filter.Text != "" {
		n := len(args) + 1
		conditions = append(conditions, fmt.Sprintf(
			"(product_name %% $%d OR brand %% $%d OR description %% $%d OR hazard_text %% $%d)", n, n, n, n))
		args = append(args, filter.Text)
	}

	query := `SELECT ` + recallColumns + ` FROM recalls`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY recall_date DESC, id ASC"
	return query, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanRecalls(rows *sql.Rows) ([]recall.Recall, error) {
	defer rows.Close()

	var recalls []recall.Recall
	for rows.Next() {
		rec, err := scanRecall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recall row: %w", err)
		}
		recalls = append(recalls, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recall rows: %w", err)
	}
	return recalls, nil
}

func (r *RecallRepo) GetGroup(ctx context.Context, groupID string) (*recall.DedupGroup, []recall.Recall, error) {
	group := &recall.DedupGroup{ID: groupID}
	err := r.db.QueryRowContext(ctx, `SELECT primary_id FROM dedup_groups WHERE id = $1`, groupID).Scan(&group.PrimaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get dedup group: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recallColumns+` FROM recalls
		WHERE dedup_group_id = $1
		ORDER BY id ASC
	`, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var members []recall.Recall
	for rows.Next() {
		rec, err := scanRecall(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan recall row: %w", err)
		}
		members = append(members, *rec)
		group.MemberIDs = append(group.MemberIDs, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating group members: %w", err)
	}

	return group, members, nil
}

// SetDedupGroups writes group membership one group per transaction, clears
// the group of recalls assigned "" and drops groups that no longer have
// members. Recalls missing from assignments are left untouched.
func (r *RecallRepo) SetDedupGroups(ctx context.Context, groups []recall.DedupGroup, assignments map[string]string) error {
	now := timestamp(time.Now())

	for _, group := range groups {
		err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO dedup_groups (id, primary_id, member_count, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					primary_id = EXCLUDED.primary_id,
					member_count = EXCLUDED.member_count,
					updated_at = EXCLUDED.updated_at
			`, group.ID, group.PrimaryID, len(group.MemberIDs), now)
			if err != nil {
				return fmt.Errorf("failed to upsert dedup group: %w", err)
			}

			args := []any{group.ID}
			for _, id := range group.MemberIDs {
				args = append(args, id)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE recalls SET dedup_group_id = $1
				WHERE id IN (`+placeholders(2, len(group.MemberIDs))+`)
			`, args...)
			if err != nil {
				return fmt.Errorf("failed to assign dedup group: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var singles []any
	for id, groupID := range assignments {
		if groupID == "" {
			singles = append(singles, id)
		}
	}
	for start := 0; start < len(singles); start += 500 {
		end := min(start+500, len(singles))
		chunk := singles[start:end]
		_, err := r.db.ExecContext(ctx, `
			UPDATE recalls SET dedup_group_id = NULL
			WHERE dedup_group_id IS NOT NULL AND id IN (`+placeholders(1, len(chunk))+`)
		`, chunk...)
		if err != nil {
			return fmt.Errorf("failed to clear dedup groups: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM dedup_groups
		WHERE id NOT IN (SELECT DISTINCT dedup_group_id FROM recalls WHERE dedup_group_id IS NOT NULL)
	`)
	if err != nil {
		return fmt.Errorf("failed to prune dedup groups: %w", err)
	}

	return nil
}

func (r *RecallRepo) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByAgency: map[string]int{}, ByHazard: map[string]int{}}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN low_quality THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dedup_group_id IS NOT NULL THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM dedup_groups)
		FROM recalls
	`).Scan(&stats.Total, &stats.LowQuality, &stats.Grouped, &stats.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to get recall stats: %w", err)
	}

	for column, target := range map[string]map[string]int{
		"source_agency":   stats.ByAgency,
		"hazard_category": stats.ByHazard,
	} {
		rows, err := r.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM recalls GROUP BY `+column)
		if err != nil {
			return nil, fmt.Errorf("failed to count recalls by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan count row: %w", err)
			}
			target[key] = count
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating count rows: %w", err)
		}
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecall(row rowScanner) (*recall.Recall, error) {
	var (
		rec                    recall.Recall
		identifiers, countries string
		hazard, severity       string
		status                 string
		recallDate             nullTime
		createdAt, updatedAt   nullTime
	)
	err := row.Scan(
		&rec.ID, &rec.SourceAgency, &rec.ExternalID, &rec.Title, &rec.ProductName, &rec.Brand,
		&rec.Manufacturer, &rec.ModelNumber, &rec.Description, &identifiers, &hazard,
		&rec.HazardText, &severity, &recallDate, &countries, &status, &rec.SearchKeywords,
		&rec.QualityScore, &rec.LowQuality, &rec.DedupGroupID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(identifiers), &rec.Identifiers); err != nil {
		return nil, fmt.Errorf("failed to decode identifiers of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(countries), &rec.AffectedCountries); err != nil {
		return nil, fmt.Errorf("failed to decode affected countries of %s: %w", rec.ID, err)
	}
	rec.HazardCategory = recall.HazardCategory(hazard)
	rec.Severity = recall.Severity(severity)
	rec.Status = recall.Status(status)
	rec.RecallDate = recallDate.Time
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time

	return &rec, nil
}

// contentHash covers every field the pipeline derives from upstream data, so
// an unchanged re-delivery can skip the write.
func contentHash(rec *recall.Recall) string {
	payload, _ := json.Marshal(struct {
		Title, ProductName, Brand, Manufacturer, ModelNumber, Description string
		Identifiers                                                       []recall.Identifier
		Hazard, HazardText, Severity, Date, Status, Keywords              string
		Countries                                                         []string
		Score                                                             int
		Low                                                               bool
	}{
		rec.Title, rec.ProductName, rec.Brand, rec.Manufacturer, rec.ModelNumber, rec.Description,
		rec.Identifiers,
		string(rec.HazardCategory), rec.HazardText, string(rec.Severity), date(rec.RecallDate), string(rec.Status), rec.SearchKeywords,
		rec.AffectedCountries,
		rec.QualityScore,
		rec.LowQuality,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
