package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/feed"
	"github.com/lysyi3m/recall-comb/internal/pipeline"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/search"
	"github.com/lysyi3m/recall-comb/internal/tasks"
)

const defaultSearchTimeout = 10 * time.Second

func NewHandler(deps Deps) *Handler {
	if deps.SearchTimeout <= 0 {
		deps.SearchTimeout = defaultSearchTimeout
	}
	return &Handler{
		searcher:      deps.Searcher,
		catalog:       deps.Catalog,
		agencyRepo:    deps.Agencies,
		runRepo:       deps.Runs,
		configCache:   deps.ConfigCache,
		ingester:      deps.Ingester,
		queue:         deps.Queue,
		db:            deps.DB,
		cache:         deps.Cache,
		generator:     feed.NewGenerator(),
		searchTimeout: deps.SearchTimeout,
		baseURL:       deps.BaseURL,
		version:       deps.Version,
	}
}

// respondError maps typed domain errors onto HTTP statuses.
func respondError(c *gin.Context, operation string, err error) {
	var paramErr *recall.SearchParameterError
	var notFound *recall.NotFoundError

	switch {
	case errors.As(err, &paramErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": paramErr.Error(), "field": paramErr.Field})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.Is(err, pipeline.ErrUnknownAgency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Request timed out", "operation", operation)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request timed out"})
	default:
		slog.Error("Request failed", "operation", operation, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) search(c *gin.Context, q search.Query) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.searchTimeout)
	defer cancel()

	resp, err := h.searcher.Search(ctx, q)
	if err != nil {
		respondError(c, "search", err)
		return
	}

	c.Header("X-Total-Count", strconv.Itoa(resp.Total))
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SearchGet(c *gin.Context) {
	q, err := search.FromValues(c.Request.URL.Query())
	if err != nil {
		respondError(c, "search", err)
		return
	}
	h.search(c, q)
}

func (h *Handler) SearchPost(c *gin.Context) {
	q, err := search.DecodeJSON(c.Request.Body)
	if err != nil {
		respondError(c, "search", err)
		return
	}
	h.search(c, q)
}

// GetFeed serves the newest recalls matching the query filters as RSS.
func (h *Handler) GetFeed(c *gin.Context) {
	values := c.Request.URL.Query()
	q, err := search.FromValues(values)
	if err != nil {
		respondError(c, "get_feed", err)
		return
	}
	if q.FreeTextQuery != "" || q.ProductText != "" || len(q.Keywords) > 0 || q.ExactID != "" {
		respondError(c, "get_feed", &recall.SearchParameterError{Field: "q", Reason: "feeds support filters only"})
		return
	}
	if q.Limit == 0 {
		q.Limit = search.MaxLimit
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.searchTimeout)
	defer cancel()

	resp, err := h.searcher.Search(ctx, q)
	if err != nil {
		respondError(c, "get_feed", err)
		return
	}

	recalls := make([]recall.Recall, len(resp.Items))
	for i, hit := range resp.Items {
		recalls[i] = hit.Recall
	}

	baseURL := h.baseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = scheme + "://" + c.Request.Host
	}

	title := "Product safety recalls"
	if len(q.Agencies) > 0 {
		title += " from " + strings.ToUpper(strings.Join(q.Agencies, ", "))
	}
	if q.RiskCategory != "" {
		title += " (" + q.RiskCategory + ")"
	}

	rss, err := h.generator.Run(feed.Channel{
		Title:    title,
		SelfLink: strings.TrimSuffix(baseURL, "/") + c.Request.URL.RequestURI(),
		BaseURL:  baseURL,
		Version:  h.version,
	}, recalls)
	if err != nil {
		slog.Error("RSS generation error", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(recalls)))
	c.String(http.StatusOK, rss)
}

func (h *Handler) GetRecall(c *gin.Context) {
	rec, err := h.searcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "get_recall", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) LookupRecall(c *gin.Context) {
	rec, err := h.searcher.Lookup(c.Request.Context(), c.Param("agency"), c.Param("external_id"))
	if err != nil {
		respondError(c, "lookup_recall", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetGroup(c *gin.Context) {
	id := c.Param("id")
	group, members, err := h.catalog.GetGroup(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get_group", err)
		return
	}
	if group == nil {
		respondError(c, "get_group", &recall.NotFoundError{Resource: "dedup group", Key: id})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         group.ID,
		"primary_id": group.PrimaryID,
		"member_ids": group.MemberIDs,
		"members":    members,
	})
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]any{
		"status":                "healthy",
		"version":               h.version,
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"loaded_configurations": h.configCache.GetConfigCount(),
	}

	status := http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(c.Request.Context()); err != nil {
			health["status"] = "unhealthy"
			health["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.cache != nil {
		health["cache"] = h.cache.Health(c.Request.Context())
	}

	c.JSON(status, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.catalog.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, "get_stats", err)
		return
	}

	response := gin.H{
		"recalls":     stats.Total,
		"low_quality": stats.LowQuality,
		"grouped":     stats.Grouped,
		"groups":      stats.Groups,
		"by_agency":   stats.ByAgency,
		"by_hazard":   stats.ByHazard,
	}

	if runs, err := h.runRepo.ListRuns(c.Request.Context(), 1); err == nil && len(runs) > 0 {
		response["last_run"] = gin.H{
			"id":          runs[0].ID,
			"status":      runs[0].Status,
			"started_at":  runs[0].StartedAt,
			"finished_at": runs[0].FinishedAt,
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) ListAgencies(c *gin.Context) {
	configs := h.configCache.GetConfigs()

	codes := make([]string, 0, len(configs))
	for code := range configs {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	agencies := make([]map[string]any, 0, len(codes))
	for _, code := range codes {
		agencies = append(agencies, h.agencyInfo(c.Request.Context(), configs[code]))
	}

	c.JSON(http.StatusOK, gin.H{
		"agencies": agencies,
		"total":    len(agencies),
	})
}

func (h *Handler) agencyInfo(ctx context.Context, cfg *agency.Config) map[string]any {
	info := map[string]any{
		"code":       cfg.Code,
		"name":       cfg.Name,
		"country":    cfg.Country,
		"category":   cfg.Category,
		"format":     cfg.Format,
		"url":        cfg.URL,
		"enabled":    cfg.Settings.Enabled,
		"rate_limit": cfg.Settings.RateLimit,
		"timeout":    cfg.Settings.GetTimeout().String(),
	}

	state, err := h.agencyRepo.GetAgency(ctx, cfg.Code)
	if err != nil {
		slog.Warn("Failed to load agency state", "agency", cfg.Code, "error", err)
		return info
	}
	if state != nil {
		info["last_run_at"] = state.LastRunAt
		info["last_success_at"] = state.LastSuccessAt
		info["last_error"] = state.LastError
		info["degraded"] = state.Degraded
	}
	return info
}

type ingestRequest struct {
	Agencies []string `json:"agencies"`
	Since    string   `json:"since"`
	Wait     bool     `json:"wait"`
}

// TriggerIngest starts an ingestion run. By default the run is queued and
// 202 is returned; with wait it runs in the request and returns the report.
func (h *Handler) TriggerIngest(c *gin.Context) {
	var req ingestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	opts := pipeline.RunOptions{Agencies: req.Agencies}
	if req.Since != "" {
		since, err := time.Parse(time.DateOnly, req.Since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be YYYY-MM-DD", "field": "since"})
			return
		}
		opts.Since = since
	}

	for i, code := range opts.Agencies {
		if _, err := h.configCache.GetConfig(code); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "agencies"})
			return
		}
		opts.Agencies[i] = strings.ToUpper(code)
	}

	if req.Wait || h.queue == nil {
		report, err := h.ingester.Run(c.Request.Context(), opts)
		if err != nil {
			respondError(c, "ingest", err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	h.enqueue(c, tasks.NewIngestTask(h.ingester, opts), "Ingestion task enqueued")
}

type dedupRequest struct {
	Wait bool `json:"wait"`
}

// TriggerDedup rebuilds the duplicate groups of the whole catalog, queued
// like an ingestion run unless wait is set.
func (h *Handler) TriggerDedup(c *gin.Context) {
	var req dedupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	if req.Wait || h.queue == nil {
		report, err := h.ingester.Dedup(c.Request.Context())
		if err != nil {
			respondError(c, "dedup", err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	h.enqueue(c, tasks.NewDedupTask(h.ingester), "Dedup task enqueued")
}

func (h *Handler) enqueue(c *gin.Context, task tasks.TaskInterface, message string) {
	if err := h.queue.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing task", "type", task.GetType(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue task",
			"details": err.Error(),
		})
		return
	}

	c.Header("Location", "/api/tasks/"+task.GetID())
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": message,
		"task":    task.Status(),
	})
}

func (h *Handler) GetTask(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Background tasks are disabled"})
		return
	}
	status, ok := h.queue.TaskStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}
