// Package search answers catalog queries: exact id lookups, trigram ranked
// free text search, keyword matching and filters.
package search

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/trigram"
)

// Store is the read side of the recall catalog.
type Store interface {
	GetByID(ctx context.Context, id string) (*recall.Recall, error)
	GetByExternalID(ctx context.Context, agency, externalID string) (*recall.Recall, error)
	List(ctx context.Context, filter database.RecallFilter) ([]recall.Recall, error)
}

// Cache stores encoded responses keyed by the normalized query.
type Cache interface {
	GetSearch(ctx context.Context, key []byte) ([]byte, bool, error)
	SetSearch(ctx context.Context, key []byte, value []byte) error
}

type Config struct {
	// Floor is the minimum similarity a fuzzy match needs. A candidate
	// scoring exactly Floor is kept.
	Floor float64
	Cache Cache
}

type Hit struct {
	recall.Recall
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

type Response struct {
	Items      []Hit  `json:"items"`
	Total      int    `json:"total"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type Engine struct {
	store Store
	floor float64
	cache Cache
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	return &Engine{store: store, floor: cfg.Floor, cache: cfg.Cache}
}

// Search validates q and runs it against the catalog.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	p, err := q.plan()
	if err != nil {
		return nil, err
	}

	var key []byte
	if e.cache != nil {
		key, _ = json.Marshal(p)
		if data, ok, err := e.cache.GetSearch(ctx, key); err != nil {
			slog.Warn("Search cache read failed", "error", err)
		} else if ok {
			var cached Response
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	resp, err := e.run(ctx, p)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if data, err := json.Marshal(resp); err == nil {
			if err := e.cache.SetSearch(ctx, key, data); err != nil {
				slog.Warn("Search cache write failed", "error", err)
			}
		}
	}
	return resp, nil
}

func (e *Engine) run(ctx context.Context, p *plan) (*Response, error) {
	if p.ExactID != "" {
		rec, err := e.store.GetByID(ctx, p.ExactID)
		if err != nil {
			return nil, &recall.StorageError{Op: "search exact id", Err: err}
		}
		resp := &Response{Items: []Hit{}}
		if rec != nil && matchesFilter(rec, p.Filter) {
			resp.Items = append(resp.Items, Hit{Recall: *rec})
			resp.Total = 1
		}
		return resp, nil
	}

	filter := p.Filter
	filter.Text = p.Text
	filter.TextFloor = e.floor
	filter.Keywords = p.Keywords
	candidates, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, &recall.StorageError{Op: "search list", Err: err}
	}

	var query trigram.Set
	if p.Text != "" {
		query = trigram.New(p.Text)
	}

	hits := make([]Hit, 0, len(candidates))
	for i := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec := &candidates[i]
		if !containsAll(rec.SearchKeywords, p.Keywords) {
			continue
		}

		hit := Hit{Recall: *rec}
		if query != nil {
			sim := trigram.Best(query, rec.ProductName, rec.Brand, rec.Description, rec.HazardText)
			if sim < e.floor {
				continue
			}
			hit.RelevanceScore = &sim
		}
		hits = append(hits, hit)
	}

	if query != nil {
		slices.SortStableFunc(hits, func(a, b Hit) int {
			if c := cmp.Compare(*b.RelevanceScore, *a.RelevanceScore); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	} else {
		slices.SortStableFunc(hits, func(a, b Hit) int {
			if c := b.RecallDate.Compare(a.RecallDate); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}

	resp := &Response{Total: len(hits), Items: []Hit{}}
	if p.Offset < len(hits) {
		end := min(p.Offset+p.Limit, len(hits))
		resp.Items = hits[p.Offset:end]
		if end < len(hits) {
			resp.NextCursor = encodeCursor(end)
		}
	}
	return resp, nil
}

// matchesFilter applies filter to a record fetched by id. The quality gate
// does not apply to exact lookups.
func matchesFilter(rec *recall.Recall, filter database.RecallFilter) bool {
	if len(filter.Agencies) > 0 && !slices.Contains(filter.Agencies, strings.ToUpper(rec.SourceAgency)) {
		return false
	}
	if filter.Severity != "" && rec.Severity != filter.Severity {
		return false
	}
	if filter.HazardCategory != "" && rec.HazardCategory != filter.HazardCategory {
		return false
	}
	day := rec.RecallDate.UTC().Format(time.DateOnly)
	if filter.DateFrom != nil && day < filter.DateFrom.Format(time.DateOnly) {
		return false
	}
	if filter.DateTo != nil && day > filter.DateTo.Format(time.DateOnly) {
		return false
	}
	return true
}

// containsAll reports whether every keyword is a substring of keywords.
func containsAll(keywords string, required []string) bool {
	for _, kw := range required {
		if !strings.Contains(keywords, kw) {
			return false
		}
	}
	return true
}

// Get returns the recall with the given id regardless of its quality flag.
func (e *Engine) Get(ctx context.Context, id string) (*recall.Recall, error) {
	rec, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, &recall.StorageError{Op: "get recall", Err: err}
	}
	if rec == nil {
		return nil, &recall.NotFoundError{Resource: "recall", Key: id}
	}
	return rec, nil
}

// Lookup finds a recall by the agency's own identifier.
func (e *Engine) Lookup(ctx context.Context, agency, externalID string) (*recall.Recall, error) {
	rec, err := e.store.GetByExternalID(ctx, agency, externalID)
	if err != nil {
		return nil, &recall.StorageError{Op: "lookup recall", Err: err}
	}
	if rec == nil {
		return nil, &recall.NotFoundError{Resource: "recall", Key: strings.ToUpper(agency) + "/" + externalID}
	}
	return rec, nil
}
