package pipeline

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/recall"
)

type fakeConnector struct {
	code     string
	category recall.Category
	records  []recall.RawRecallRecord
	err      error

	mu     sync.Mutex
	sinces []time.Time
}

func (c *fakeConnector) AgencyCode() string        { return c.code }
func (c *fakeConnector) Category() recall.Category { return c.category }

func (c *fakeConnector) Fetch(ctx context.Context, since time.Time) iter.Seq2[recall.RawRecallRecord, error] {
	c.mu.Lock()
	c.sinces = append(c.sinces, since)
	c.mu.Unlock()
	return func(yield func(recall.RawRecallRecord, error) bool) {
		for _, rec := range c.records {
			if !yield(rec, nil) {
				return
			}
		}
		if c.err != nil {
			yield(recall.RawRecallRecord{}, c.err)
		}
	}
}

func raw(agency, country string, category recall.Category, externalID string, fields map[string]string) recall.RawRecallRecord {
	return recall.RawRecallRecord{
		SourceAgency:  agency,
		AgencyCountry: country,
		Category:      category,
		ExternalID:    externalID,
		Payload:       []byte(`{"id":"` + externalID + `"}`),
		Fields:        fields,
		FetchedAt:     time.Now(),
	}
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishRecall(_ context.Context, rec *recall.Recall) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, rec.ID)
	return nil
}

type countingInvalidator struct{ calls int }

func (i *countingInvalidator) Invalidate(context.Context) error {
	i.calls++
	return nil
}

type testEnv struct {
	db       *database.DB
	recalls  *database.RecallRepo
	agencies *database.AgencyRepo
	runs     *database.RunRepo
	raw      *database.RawRecordRepo
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	return &testEnv{
		db:       db,
		recalls:  database.NewRecallRepository(db),
		agencies: database.NewAgencyRepository(db),
		runs:     database.NewRunRepository(db),
		raw:      database.NewRawRecordRepository(db),
	}
}

func (e *testEnv) config(sources ...Source) Config {
	return Config{
		Sources:    sources,
		Recalls:    e.recalls,
		RawRecords: e.raw,
		Agencies:   e.agencies,
		Runs:       e.runs,
	}
}

func source(conn *fakeConnector) Source {
	return Source{
		Agency: &agency.Config{
			Code:     conn.code,
			Category: conn.category,
			URL:      "https://example.com/" + conn.code,
			Settings: agency.Settings{Enabled: true},
		},
		Connector: conn,
	}
}

func foodAgencies() (*fakeConnector, *fakeConnector) {
	fda := &fakeConnector{code: "FDA", category: recall.CategoryFood, records: []recall.RawRecallRecord{
		raw("FDA", "US", recall.CategoryFood, "F-1", map[string]string{
			"product_name": "Creamy Peanut Butter",
			"brand":        "Acme",
			"upc":          "012345678905",
			"lot_number":   "L1",
			"hazard":       "Possible Salmonella contamination",
			"recall_date":  "2024-03-01",
		}),
	}}
	cfia := &fakeConnector{code: "CFIA", category: recall.CategoryFood, records: []recall.RawRecallRecord{
		raw("CFIA", "CA", recall.CategoryFood, "C-9", map[string]string{
			"product_name": "Creamy Peanut Butter",
			"brand":        "Acme",
			"upc":          "012345678905",
			"hazard":       "Salmonella",
			"recall_date":  "2024-03-03",
		}),
		raw("CFIA", "CA", recall.CategoryFood, "C-10", map[string]string{
			"product_name": "Frozen Peas",
			"lot_number":   "LOT123",
			"recall_date":  "2024-03-05",
		}),
		raw("CFIA", "CA", recall.CategoryFood, "C-11", map[string]string{
			"brand":       "Nameless",
			"recall_date": "2024-03-05",
		}),
	}}
	return fda, cfia
}

func TestRunner_RunIngestsAndGroups(t *testing.T) {
	env := newEnv(t)
	fda, cfia := foodAgencies()
	publisher := &fakePublisher{}
	invalidator := &countingInvalidator{}

	cfg := env.config(source(fda), source(cfia))
	cfg.Publisher = publisher
	cfg.Invalidator = invalidator
	runner := NewRunner(cfg)
	ctx := context.Background()

	report, err := runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cfiaReport := report.Agencies["CFIA"]
	if cfiaReport == nil {
		t.Fatal("Expected CFIA report")
	}
	if cfiaReport.Fetched != 3 || cfiaReport.Accepted != 2 || cfiaReport.Rejected != 1 || cfiaReport.LowQuality != 1 {
		t.Errorf("Unexpected CFIA report: %+v", cfiaReport)
	}
	if report.Agencies["FDA"].Inserted != 1 {
		t.Errorf("Unexpected FDA report: %+v", report.Agencies["FDA"])
	}
	if report.Dedup.Groups != 1 || report.Dedup.Merged != 2 {
		t.Errorf("Unexpected dedup report: %+v", report.Dedup)
	}
	if len(publisher.ids) != 3 {
		t.Errorf("Expected 3 published events, got %v", publisher.ids)
	}
	if invalidator.calls != 1 {
		t.Errorf("Expected cache invalidation once, got %d", invalidator.calls)
	}

	fdaRecall, err := env.recalls.GetByID(ctx, "2024-FDA-F-1")
	if err != nil || fdaRecall == nil {
		t.Fatalf("Expected FDA recall to be stored: %v", err)
	}
	cfiaRecall, _ := env.recalls.GetByID(ctx, "2024-CFIA-C-9")
	if fdaRecall.DedupGroupID == "" || fdaRecall.DedupGroupID != cfiaRecall.DedupGroupID {
		t.Errorf("Expected shared UPC to group recalls, got %q and %q", fdaRecall.DedupGroupID, cfiaRecall.DedupGroupID)
	}
	if fdaRecall.HazardCategory != recall.HazardMicrobial || fdaRecall.LowQuality {
		t.Errorf("Unexpected FDA recall: %+v", fdaRecall)
	}

	peas, _ := env.recalls.GetByID(ctx, "2024-CFIA-C-10")
	if peas == nil || !peas.LowQuality || peas.QualityScore != 5 || peas.DedupGroupID != "" {
		t.Errorf("Unexpected low quality recall: %+v", peas)
	}

	run, err := env.runs.GetRun(ctx, report.RunID)
	if err != nil || run == nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != database.RunStatusCompleted || len(run.Report) == 0 {
		t.Errorf("Unexpected stored run: %+v", run)
	}

	state, _ := env.agencies.GetAgency(ctx, "CFIA")
	if state == nil || state.LastSuccessAt == nil || state.Degraded {
		t.Errorf("Unexpected agency state: %+v", state)
	}
}

func TestRunner_RunIsIdempotent(t *testing.T) {
	env := newEnv(t)
	fda, cfia := foodAgencies()
	publisher := &fakePublisher{}
	cfg := env.config(source(fda), source(cfia))
	cfg.Publisher = publisher
	runner := NewRunner(cfg)
	ctx := context.Background()

	if _, err := runner.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	before, _ := env.recalls.GetStats(ctx)
	published := len(publisher.ids)

	report, err := runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	after, _ := env.recalls.GetStats(ctx)

	if after.Total != before.Total || after.Groups != before.Groups {
		t.Errorf("Expected unchanged catalog, before %+v after %+v", before, after)
	}
	if report.Agencies["FDA"].Unchanged != 1 || report.Agencies["CFIA"].Unchanged != 2 {
		t.Errorf("Expected unchanged outcomes, got FDA %+v CFIA %+v", report.Agencies["FDA"], report.Agencies["CFIA"])
	}
	if len(publisher.ids) != published {
		t.Errorf("Expected no events for unchanged recalls, got %d new", len(publisher.ids)-published)
	}

	rawCount, _ := env.raw.Count(ctx, "")
	if rawCount != 4 {
		t.Errorf("Expected identical payloads to be stored once, got %d", rawCount)
	}

	// the second run resumes from the first run's start
	if len(fda.sinces) != 2 || !fda.sinces[0].IsZero() || fda.sinces[1].IsZero() {
		t.Errorf("Unexpected since cursors: %v", fda.sinces)
	}
}

func TestRunner_AgencyFailureIsIsolated(t *testing.T) {
	env := newEnv(t)
	fda, _ := foodAgencies()
	broken := &fakeConnector{
		code:     "NHTSA",
		category: recall.CategoryVehicle,
		err:      &recall.ConnectorFetchError{Agency: "NHTSA", Attempts: 3, Err: errors.New("HTTP error: 503")},
	}
	runner := NewRunner(env.config(source(fda), source(broken)))
	ctx := context.Background()

	report, err := runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Expected agency failure not to fail the run, got %v", err)
	}
	if !report.Agencies["NHTSA"].Degraded || report.Agencies["NHTSA"].Error == "" {
		t.Errorf("Expected degraded NHTSA report, got %+v", report.Agencies["NHTSA"])
	}
	if report.Agencies["FDA"].Accepted != 1 {
		t.Errorf("Expected FDA to be ingested, got %+v", report.Agencies["FDA"])
	}

	state, _ := env.agencies.GetAgency(ctx, "NHTSA")
	if state == nil || !state.Degraded || state.LastSuccessAt != nil {
		t.Errorf("Expected degraded agency state, got %+v", state)
	}
}

type failingRecalls struct {
	*database.RecallRepo
}

func (f failingRecalls) Upsert(context.Context, *recall.Recall) (database.UpsertResult, error) {
	return database.UpsertResult{}, errors.New("disk full")
}

func TestRunner_StorageFailureIsFatal(t *testing.T) {
	env := newEnv(t)
	fda, _ := foodAgencies()
	cfg := env.config(source(fda))
	cfg.Recalls = failingRecalls{env.recalls}
	runner := NewRunner(cfg)
	ctx := context.Background()

	report, err := runner.Run(ctx, RunOptions{})
	if !recall.IsStorage(err) {
		t.Fatalf("Expected StorageError, got %v", err)
	}
	if report == nil {
		t.Fatal("Expected partial report")
	}

	run, _ := env.runs.GetRun(ctx, report.RunID)
	if run == nil || run.Status != database.RunStatusFailed {
		t.Errorf("Expected failed run record, got %+v", run)
	}
}

func TestRunner_SelectAgencies(t *testing.T) {
	env := newEnv(t)
	fda, cfia := foodAgencies()
	runner := NewRunner(env.config(source(fda), source(cfia)))
	ctx := context.Background()

	_, err := runner.Run(ctx, RunOptions{Agencies: []string{"EPA"}})
	if !errors.Is(err, ErrUnknownAgency) {
		t.Fatalf("Expected ErrUnknownAgency, got %v", err)
	}

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	report, err := runner.Run(ctx, RunOptions{Agencies: []string{"fda"}, Since: since})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Agencies) != 1 || report.Agencies["FDA"] == nil {
		t.Errorf("Expected only FDA in report, got %v", report.Agencies)
	}
	if len(cfia.sinces) != 0 {
		t.Error("Expected CFIA not to be fetched")
	}
	if len(fda.sinces) != 1 || !fda.sinces[0].Equal(since) {
		t.Errorf("Expected explicit since to be passed, got %v", fda.sinces)
	}

	codes := runner.AgencyCodes()
	if len(codes) != 2 || codes[0] != "FDA" || codes[1] != "CFIA" {
		t.Errorf("Unexpected agency codes: %v", codes)
	}
}

func TestRunner_FiltersNotices(t *testing.T) {
	env := newEnv(t)
	_, cfia := foodAgencies()
	src := source(cfia)
	src.Agency.Filters = []agency.Filter{{Field: "product_name", Excludes: []string{"frozen"}}}
	runner := NewRunner(env.config(src))
	ctx := context.Background()

	report, err := runner.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := report.Agencies["CFIA"]
	if got.Fetched != 3 || got.Filtered != 1 || got.Accepted != 1 || got.Rejected != 1 {
		t.Errorf("Unexpected CFIA report: %+v", got)
	}
	if rec, _ := env.recalls.GetByID(ctx, "2024-CFIA-C-10"); rec != nil {
		t.Error("Expected filtered notice not to be stored as a recall")
	}
}

func TestRunner_DedupRebuild(t *testing.T) {
	env := newEnv(t)
	fda, cfia := foodAgencies()
	invalidator := &countingInvalidator{}
	cfg := env.config(source(fda), source(cfia))
	cfg.Invalidator = invalidator
	runner := NewRunner(cfg)
	ctx := context.Background()

	if _, err := runner.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report, err := runner.Dedup(ctx)
	if err != nil {
		t.Fatalf("Dedup failed: %v", err)
	}
	if report.Groups != 1 || report.Merged != 2 {
		t.Errorf("Unexpected dedup report: %+v", report)
	}
	if invalidator.calls != 2 {
		t.Errorf("Expected cache invalidation after the run and the rebuild, got %d", invalidator.calls)
	}

	runner.running.Lock()
	defer runner.running.Unlock()
	if _, err := runner.Dedup(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress while a run holds the lock, got %v", err)
	}
	if invalidator.calls != 2 {
		t.Errorf("Expected no invalidation for a skipped rebuild, got %d", invalidator.calls)
	}
}
