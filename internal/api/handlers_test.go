package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/pipeline"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/search"
	"github.com/lysyi3m/recall-comb/internal/tasks"
	"github.com/lysyi3m/recall-comb/internal/textnorm"
)

const testAPIKey = "secret"

type fakeIngester struct {
	err    error
	calls  []pipeline.RunOptions
	dedups int
}

func (f *fakeIngester) Run(ctx context.Context, opts pipeline.RunOptions) (*pipeline.RunReport, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunReport{RunID: "run-1", Agencies: map[string]*pipeline.AgencyReport{"FDA": {Fetched: 1}}}, nil
}

func (f *fakeIngester) Dedup(ctx context.Context) (pipeline.DedupReport, error) {
	f.dedups++
	if f.err != nil {
		return pipeline.DedupReport{}, f.err
	}
	return pipeline.DedupReport{Groups: 1, Merged: 2}, nil
}

type fakeQueue struct {
	queued []tasks.TaskInterface
}

func (f *fakeQueue) EnqueueTask(task tasks.TaskInterface) error {
	f.queued = append(f.queued, task)
	return nil
}

func (f *fakeQueue) TaskStatus(id string) (tasks.Status, bool) {
	for _, task := range f.queued {
		if task.GetID() == id {
			return task.Status(), true
		}
	}
	return tasks.Status{}, false
}

type testServer struct {
	engine   *gin.Engine
	ingester *fakeIngester
	queue    *fakeQueue
}

func testRecall(agencyCode, externalID, product string, date string, score int) *recall.Recall {
	d, _ := time.Parse(time.DateOnly, date)
	return &recall.Recall{
		ID:                recall.RecallID(d, agencyCode, externalID),
		SourceAgency:      agencyCode,
		ExternalID:        externalID,
		ProductName:       product,
		Identifiers:       []recall.Identifier{{Type: recall.IdentifierUPC, Value: "012345678905"}},
		HazardCategory:    recall.HazardAllergen,
		Severity:          recall.SeverityHigh,
		RecallDate:        d,
		AffectedCountries: []string{"US"},
		Status:            recall.StatusOpen,
		SearchKeywords:    textnorm.Keywords(product),
		QualityScore:      score,
		LowQuality:        score < 5,
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	recalls := database.NewRecallRepository(db)
	a := testRecall("FDA", "F-1", "Peanut butter cookies", "2024-03-01", 8)
	b := testRecall("CFIA", "C-9", "Peanut butter cookie", "2024-03-04", 8)
	low := testRecall("CPSC", "P-2", "Space heater", "2024-02-01", 3)
	for _, r := range []*recall.Recall{a, b, low} {
		if _, err := recalls.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	group := recall.DedupGroup{ID: "group-1", PrimaryID: a.ID, MemberIDs: []string{b.ID, a.ID}}
	if err := recalls.SetDedupGroups(ctx, []recall.DedupGroup{group}, map[string]string{a.ID: "group-1", b.ID: "group-1"}); err != nil {
		t.Fatalf("SetDedupGroups failed: %v", err)
	}

	configCache := agency.NewConfigCache(t.TempDir())
	if err := configCache.Add(&agency.Config{
		Code:     "fda",
		Name:     "Food and Drug Administration",
		Country:  "US",
		Category: recall.CategoryFood,
		URL:      "https://api.example.gov/food/enforcement.json",
		Format:   agency.FormatJSON,
		Settings: agency.Settings{Enabled: true},
		Fields:   map[string]string{"external_id": "recall_number"},
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	agencies := database.NewAgencyRepository(db)
	if err := agencies.UpsertAgency(ctx, database.Agency{Code: "FDA", Name: "Food and Drug Administration", Enabled: true}); err != nil {
		t.Fatalf("UpsertAgency failed: %v", err)
	}

	ingester := &fakeIngester{}
	queue := &fakeQueue{}
	handler := NewHandler(Deps{
		Searcher:    search.NewEngine(recalls, search.Config{}),
		Catalog:     recalls,
		Agencies:    agencies,
		Runs:        database.NewRunRepository(db),
		ConfigCache: configCache,
		Ingester:    ingester,
		Queue:       queue,
		DB:          db,
		Version:     "test",
	})

	return &testServer{
		engine:   NewServer(handler, testAPIKey),
		ingester: ingester,
		queue:    queue,
	}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestSearchEndpoints(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantTotal  float64
		wantField  string
	}{
		{"get text search", http.MethodGet, "/api/recalls/search?q=peanut+butter+cookies", "", http.StatusOK, 2, ""},
		{"get keywords", http.MethodGet, "/api/recalls/search?keywords=heater&include_low_quality=true", "", http.StatusOK, 1, ""},
		{"quality gate", http.MethodGet, "/api/recalls/search?keywords=heater", "", http.StatusOK, 0, ""},
		{"post descriptor", http.MethodPost, "/api/recalls/search", `{"product_text":"peanut butter","agencies":["CFIA"]}`, http.StatusOK, 1, ""},
		{"unknown query parameter", http.MethodGet, "/api/recalls/search?color=red", "", http.StatusBadRequest, 0, "color"},
		{"unknown json field", http.MethodPost, "/api/recalls/search", `{"colour":"red"}`, http.StatusBadRequest, 0, "colour"},
		{"invalid severity", http.MethodGet, "/api/recalls/search?severity=extreme", "", http.StatusBadRequest, 0, "severity"},
		{"cursor and offset", http.MethodGet, "/api/recalls/search?cursor=MjA&offset=1", "", http.StatusBadRequest, 0, "cursor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decode(t, w)
			if tt.wantStatus == http.StatusOK {
				if body["total"] != tt.wantTotal {
					t.Errorf("Expected total %v, got %v", tt.wantTotal, body["total"])
				}
				return
			}
			if body["field"] != tt.wantField {
				t.Errorf("Expected field %q, got %v", tt.wantField, body["field"])
			}
		})
	}
}

func TestSearchRelevanceScore(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/recalls/search?q=peanut+butter+cookies", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Total-Count") != "2" {
		t.Errorf("Expected X-Total-Count 2, got %q", w.Header().Get("X-Total-Count"))
	}
	items := decode(t, w)["items"].([]any)
	first := items[0].(map[string]any)
	if first["id"] != "2024-FDA-F-1" {
		t.Errorf("Expected exact name match first, got %v", first["id"])
	}
	if _, ok := first["relevance_score"]; !ok {
		t.Error("Expected relevance_score on text search hits")
	}

	w = s.do(http.MethodGet, "/api/recalls/search?exact_id=2024-CPSC-P-2", "")
	items = decode(t, w)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("Expected exact id to bypass quality gate, got %d items", len(items))
	}
	if _, ok := items[0].(map[string]any)["relevance_score"]; ok {
		t.Error("Expected no relevance_score on exact id hits")
	}
}

func TestRecallEndpoints(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantID     string
	}{
		{"recall by id", "/api/recalls/2024-FDA-F-1", http.StatusOK, "2024-FDA-F-1"},
		{"low quality recall by id", "/api/recalls/2024-CPSC-P-2", http.StatusOK, "2024-CPSC-P-2"},
		{"missing recall", "/api/recalls/2024-FDA-nope", http.StatusNotFound, ""},
		{"lookup by external id", "/api/agencies/cfia/recalls/C-9", http.StatusOK, "2024-CFIA-C-9"},
		{"missing external id", "/api/agencies/FDA/recalls/missing", http.StatusNotFound, ""},
		{"group", "/api/groups/group-1", http.StatusOK, "group-1"},
		{"missing group", "/api/groups/group-2", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decode(t, w)
			if tt.wantID != "" && body["id"] != tt.wantID {
				t.Errorf("Expected id %q, got %v", tt.wantID, body["id"])
			}
		})
	}
}

func TestGroupMembers(t *testing.T) {
	s := newTestServer(t)

	body := decode(t, s.do(http.MethodGet, "/api/groups/group-1", ""))
	if body["primary_id"] != "2024-FDA-F-1" {
		t.Errorf("Expected primary 2024-FDA-F-1, got %v", body["primary_id"])
	}
	if members := body["members"].([]any); len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}
}

func TestStatsHealthAndAgencies(t *testing.T) {
	s := newTestServer(t)

	stats := decode(t, s.do(http.MethodGet, "/stats", ""))
	if stats["recalls"] != float64(3) || stats["low_quality"] != float64(1) || stats["groups"] != float64(1) {
		t.Errorf("Unexpected stats: %v", stats)
	}

	w := s.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected healthy status, got %d", w.Code)
	}
	if health := decode(t, w); health["loaded_configurations"] != float64(1) {
		t.Errorf("Unexpected health: %v", health)
	}

	agencies := decode(t, s.do(http.MethodGet, "/api/agencies", ""))
	list := agencies["agencies"].([]any)
	if len(list) != 1 {
		t.Fatalf("Expected 1 agency, got %d", len(list))
	}
	fda := list[0].(map[string]any)
	if fda["code"] != "FDA" || fda["degraded"] != false {
		t.Errorf("Unexpected agency info: %v", fda)
	}
}

func TestIngestEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodPost, "/api/ingest", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/ingest", "", "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}

	w := s.do(http.MethodPost, "/api/ingest", `{"agencies":["fda"],"since":"2024-01-01"}`, "Authorization", "Bearer "+testAPIKey)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(s.queue.queued) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(s.queue.queued))
	}
	task := s.queue.queued[0].(*tasks.IngestTask)
	if task.Options.Agencies[0] != "FDA" || !task.Options.Since.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected task options: %+v", task.Options)
	}

	w = s.do(http.MethodPost, "/api/ingest", `{"wait":true}`, "X-API-Key", testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if report := decode(t, w); report["run_id"] != "run-1" {
		t.Errorf("Expected run report, got %v", report)
	}

	tests := []struct {
		name       string
		body       string
		runErr     error
		wantStatus int
	}{
		{"unknown agency", `{"agencies":["XYZ"]}`, nil, http.StatusBadRequest},
		{"bad since", `{"since":"yesterday"}`, nil, http.StatusBadRequest},
		{"malformed body", `{"agencies":`, nil, http.StatusBadRequest},
		{"run in progress", `{"wait":true}`, pipeline.ErrRunInProgress, http.StatusConflict},
		{"storage failure", `{"wait":true}`, &recall.StorageError{Op: "upsert", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.ingester.err = tt.runErr
			w := s.do(http.MethodPost, "/api/ingest", tt.body, "X-API-Key", testAPIKey)
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestDedupEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodPost, "/api/dedup", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	w := s.do(http.MethodPost, "/api/dedup", "", "X-API-Key", testAPIKey)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(s.queue.queued) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(s.queue.queued))
	}
	task, ok := s.queue.queued[0].(*tasks.DedupTask)
	if !ok {
		t.Fatalf("Expected a dedup task, got %T", s.queue.queued[0])
	}
	if loc := w.Header().Get("Location"); loc != "/api/tasks/"+task.ID {
		t.Errorf("Unexpected Location header %q", loc)
	}
	if s.ingester.dedups != 0 {
		t.Error("Expected queued rebuild not to run in the request")
	}

	w = s.do(http.MethodPost, "/api/dedup", `{"wait":true}`, "X-API-Key", testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if report := decode(t, w); report["groups"] != float64(1) || report["merged"] != float64(2) {
		t.Errorf("Expected dedup report, got %v", report)
	}

	s.ingester.err = pipeline.ErrRunInProgress
	if w := s.do(http.MethodPost, "/api/dedup", `{"wait":true}`, "X-API-Key", testAPIKey); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while a run is in progress, got %d", w.Code)
	}
}

func TestTaskStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/ingest", "", "X-API-Key", testAPIKey)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := s.queue.queued[0].GetID()

	if w := s.do(http.MethodGet, "/api/tasks/"+id, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	w = s.do(http.MethodGet, "/api/tasks/"+id, "", "X-API-Key", testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	status := decode(t, w)
	if status["id"] != id || status["type"] != "ingest" || status["state"] != "queued" {
		t.Errorf("Unexpected task status: %v", status)
	}

	if w := s.do(http.MethodGet, "/api/tasks/unknown", "", "X-API-Key", testAPIKey); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", w.Code)
	}
}

func TestIngestDisabledWithoutKey(t *testing.T) {
	s := newTestServer(t)
	handler := NewHandler(Deps{ConfigCache: agency.NewConfigCache(t.TempDir())})
	s.engine = NewServer(handler, "")

	for _, path := range []string{"/api/ingest", "/api/dedup"} {
		if w := s.do(http.MethodPost, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for %s when disabled, got %d", path, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodOptions, "/api/recalls/search", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestRecallFeed(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/feeds/recalls?agency=fda", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Expected RSS content type, got %q", ct)
	}
	if w.Header().Get("X-Feed-Items") != "1" {
		t.Errorf("Expected 1 feed item, got %q", w.Header().Get("X-Feed-Items"))
	}
	body := w.Body.String()
	for _, want := range []string{
		"<title>Product safety recalls from FDA</title>",
		`<guid isPermaLink="false">2024-FDA-F-1</guid>`,
		"<link>http://example.com/api/recalls/2024-FDA-F-1</link>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected feed to contain %q, got:\n%s", want, body)
		}
	}

	if w := s.do(http.MethodGet, "/feeds/recalls?q=cookies", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for text query on feed, got %d", w.Code)
	}
}
