package database

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

func testRecall(agency, externalID, product string, date time.Time) *recall.Recall {
	return &recall.Recall{
		ID:                recall.RecallID(date, agency, externalID),
		SourceAgency:      agency,
		ExternalID:        externalID,
		ProductName:       product,
		Brand:             "Acme",
		Identifiers:       []recall.Identifier{{Type: recall.IdentifierLotNumber, Value: "LOT123"}},
		HazardCategory:    recall.HazardMicrobial,
		HazardText:        "Possible Listeria contamination",
		Severity:          recall.SeverityHigh,
		RecallDate:        date,
		AffectedCountries: []string{"US"},
		Status:            recall.StatusOpen,
		SearchKeywords:    "acme " + product,
		QualityScore:      5,
	}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestRecallRepo_UpsertIdempotent(t *testing.T) {
	repo := NewRecallRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repo.Upsert(ctx, testRecall("FDA", "12345", "Peanut Butter", day("2024-03-01")))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if first.Outcome != OutcomeInserted {
		t.Errorf("Expected inserted, got %s", first.Outcome)
	}
	if first.ID != "2024-FDA-12345" {
		t.Errorf("Expected id 2024-FDA-12345, got %s", first.ID)
	}

	second, err := repo.Upsert(ctx, testRecall("FDA", "12345", "Peanut Butter", day("2024-03-01")))
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if second.Outcome != OutcomeUnchanged || second.ID != first.ID {
		t.Errorf("Expected unchanged %s, got %+v", first.ID, second)
	}

	stats, err := repo.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Expected 1 stored recall, got %d", stats.Total)
	}
}

func TestRecallRepo_UpsertUpdateKeepsIdentity(t *testing.T) {
	db := newTestDB(t)
	repo := NewRecallRepository(db)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, testRecall("FDA", "1", "Peanut Butter", day("2024-03-01"))); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	original, _ := repo.GetByID(ctx, "2024-FDA-1")

	groups := []recall.DedupGroup{{ID: "g-1", PrimaryID: "2024-FDA-1", MemberIDs: []string{"2024-FDA-1"}}}
	if err := repo.SetDedupGroups(ctx, groups, map[string]string{"2024-FDA-1": "g-1"}); err != nil {
		t.Fatalf("SetDedupGroups failed: %v", err)
	}

	// a corrected date in a later delivery changes the computed id but not the stored one
	changed := testRecall("FDA", "1", "Creamy Peanut Butter", day("2025-01-10"))
	result, err := repo.Upsert(ctx, changed)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if result.Outcome != OutcomeUpdated {
		t.Errorf("Expected updated, got %s", result.Outcome)
	}
	if changed.ID != "2024-FDA-1" {
		t.Errorf("Expected recall id to be rewritten to stored id, got %s", changed.ID)
	}

	stored, err := repo.GetByID(ctx, "2024-FDA-1")
	if err != nil || stored == nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.ProductName != "Creamy Peanut Butter" {
		t.Errorf("Expected updated product name, got %q", stored.ProductName)
	}
	if stored.DedupGroupID != "g-1" {
		t.Errorf("Expected dedup group to survive update, got %q", stored.DedupGroupID)
	}
	if !stored.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("Expected created_at %v to be kept, got %v", original.CreatedAt, stored.CreatedAt)
	}
	if !stored.RecallDate.Equal(day("2025-01-10")) {
		t.Errorf("Expected recall date 2025-01-10, got %v", stored.RecallDate)
	}
}

func TestRecallRepo_RoundTrip(t *testing.T) {
	repo := NewRecallRepository(newTestDB(t))
	ctx := context.Background()

	in := testRecall("HC", "A-1", "Baby Rattle", day("2024-05-02"))
	in.Identifiers = append(in.Identifiers, recall.Identifier{Type: recall.IdentifierUPC, Value: "012345678905"})
	in.AffectedCountries = []string{"CA", "US"}
	in.LowQuality = true
	if _, err := repo.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := repo.GetByExternalID(ctx, "hc", "A-1")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected recall, got nil")
	}
	if len(got.Identifiers) != 2 || got.Identifiers[1].Value != "012345678905" {
		t.Errorf("Unexpected identifiers: %+v", got.Identifiers)
	}
	if len(got.AffectedCountries) != 2 || got.AffectedCountries[0] != "CA" {
		t.Errorf("Unexpected countries: %v", got.AffectedCountries)
	}
	if !got.LowQuality || got.Severity != recall.SeverityHigh || got.HazardCategory != recall.HazardMicrobial {
		t.Errorf("Unexpected classification: %+v", got)
	}
	if got.DedupGroupID != "" {
		t.Errorf("Expected no group, got %q", got.DedupGroupID)
	}

	missing, err := repo.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing recall, got %v, %v", missing, err)
	}
}

func TestRecallRepo_List(t *testing.T) {
	repo := NewRecallRepository(newTestDB(t))
	ctx := context.Background()

	fixtures := []*recall.Recall{
		testRecall("FDA", "1", "Peanut Butter", day("2024-01-10")),
		testRecall("FDA", "2", "Almond Butter", day("2024-03-10")),
		testRecall("CPSC", "3", "Space Heater", day("2024-03-10")),
		testRecall("CPSC", "4", "Toaster", day("2023-12-01")),
	}
	fixtures[2].HazardCategory = recall.HazardFire
	fixtures[2].Severity = recall.SeverityCritical
	fixtures[3].LowQuality = true
	for _, r := range fixtures {
		if _, err := repo.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	from, to := day("2024-01-01"), day("2024-02-01")
	tests := []struct {
		name   string
		filter RecallFilter
		want   []string
	}{
		{
			name:   "default hides low quality and orders by date then id",
			filter: RecallFilter{},
			want:   []string{"2024-CPSC-3", "2024-FDA-2", "2024-FDA-1"},
		},
		{
			name:   "include low quality",
			filter: RecallFilter{IncludeLowQuality: true},
			want:   []string{"2024-CPSC-3", "2024-FDA-2", "2024-FDA-1", "2023-CPSC-4"},
		},
		{
			name:   "agency filter is case insensitive",
			filter: RecallFilter{Agencies: []string{"fda"}},
			want:   []string{"2024-FDA-2", "2024-FDA-1"},
		},
		{
			name:   "hazard and severity",
			filter: RecallFilter{HazardCategory: recall.HazardFire, Severity: recall.SeverityCritical},
			want:   []string{"2024-CPSC-3"},
		},
		{
			name:   "date range inclusive",
			filter: RecallFilter{DateFrom: &from, DateTo: &to},
			want:   []string{"2024-FDA-1"},
		},
		{
			name:   "keywords are all required",
			filter: RecallFilter{Keywords: []string{"butter", "almond"}},
			want:   []string{"2024-FDA-2"},
		},
		{
			name:   "keyword wildcards are literal",
			filter: RecallFilter{Keywords: []string{"b%r"}},
			want:   []string{},
		},
		{
			name:   "text is left to the caller outside postgres",
			filter: RecallFilter{Agencies: []string{"FDA"}, Text: "zzzz", TextFloor: 0.3},
			want:   []string{"2024-FDA-2", "2024-FDA-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d recalls, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestListQuery(t *testing.T) {
	filter := RecallFilter{
		Agencies:  []string{"fda"},
		Keywords:  []string{"peanut", "100%_pure"},
		Text:      "peanut butter",
		TextFloor: 0.3,
	}

	query, args := listQuery(DriverPostgres, filter)
	for _, fragment := range []string{
		"source_agency IN ($1)",
		"low_quality = $2",
		`search_keywords LIKE $3 ESCAPE '\'`,
		`search_keywords LIKE $4 ESCAPE '\'`,
		"(product_name % $5 OR brand % $5 OR description % $5 OR hazard_text % $5)",
		"ORDER BY recall_date DESC, id ASC",
	} {
		if !strings.Contains(query, fragment) {
			t.Errorf("postgres query missing %q:\n%s", fragment, query)
		}
	}
	want := []any{"FDA", false, "%peanut%", `%100\%\_pure%`, "peanut butter"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Expected args %v, got %v", want, args)
	}

	query, args = listQuery(DriverSQLite, filter)
	if strings.Contains(query, "product_name %") {
		t.Errorf("sqlite query must not use the trigram operator:\n%s", query)
	}
	if len(args) != 4 {
		t.Errorf("Expected 4 sqlite args, got %v", args)
	}

	query, _ = listQuery(DriverPostgres, RecallFilter{IncludeLowQuality: true})
	if strings.Contains(query, "WHERE") {
		t.Errorf("unfiltered query should have no WHERE clause:\n%s", query)
	}
}

func TestTrigramThreshold(t *testing.T) {
	if got := trigramThreshold(0.3); got >= 0.3 || got < 0.28 {
		t.Errorf("Expected threshold just below 0.3, got %v", got)
	}
	if got := trigramThreshold(0); got != 0 {
		t.Errorf("Expected 0, got %v", got)
	}
}

func TestRecallRepo_SetDedupGroups(t *testing.T) {
	repo := NewRecallRepository(newTestDB(t))
	ctx := context.Background()

	for _, r := range []*recall.Recall{
		testRecall("FDA", "1", "Peanut Butter", day("2024-01-10")),
		testRecall("CFIA", "2", "Peanut Butter", day("2024-01-12")),
		testRecall("CPSC", "3", "Toaster", day("2024-01-12")),
	} {
		if _, err := repo.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	group := recall.DedupGroup{ID: "g-1", PrimaryID: "2024-FDA-1", MemberIDs: []string{"2024-CFIA-2", "2024-FDA-1"}}
	err := repo.SetDedupGroups(ctx, []recall.DedupGroup{group}, map[string]string{
		"2024-FDA-1":  "g-1",
		"2024-CFIA-2": "g-1",
		"2024-CPSC-3": "",
	})
	if err != nil {
		t.Fatalf("SetDedupGroups failed: %v", err)
	}

	g, members, err := repo.GetGroup(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g == nil || g.PrimaryID != "2024-FDA-1" {
		t.Fatalf("Unexpected group: %+v", g)
	}
	if len(members) != 2 || members[0].ID != "2024-CFIA-2" || members[1].ID != "2024-FDA-1" {
		t.Errorf("Unexpected members: %v", g.MemberIDs)
	}

	// a later pass splits the group again
	err = repo.SetDedupGroups(ctx, nil, map[string]string{"2024-FDA-1": "", "2024-CFIA-2": ""})
	if err != nil {
		t.Fatalf("SetDedupGroups failed: %v", err)
	}
	g, _, err = repo.GetGroup(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g != nil {
		t.Errorf("Expected stale group to be pruned, got %+v", g)
	}

	stats, err := repo.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Groups != 0 || stats.Grouped != 0 {
		t.Errorf("Expected no groups, got %+v", stats)
	}
	if stats.ByAgency["FDA"] != 1 || stats.ByHazard["microbial"] != 3 {
		t.Errorf("Unexpected breakdown: %+v", stats)
	}
}
