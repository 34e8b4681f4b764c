package api

import (
	"context"
	"time"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/feed"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/search"
	"github.com/lysyi3m/recall-comb/internal/tasks"
)

type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
	Get(ctx context.Context, id string) (*recall.Recall, error)
	Lookup(ctx context.Context, agency, externalID string) (*recall.Recall, error)
}

var _ Searcher = (*search.Engine)(nil)

type Catalog interface {
	GetGroup(ctx context.Context, groupID string) (*recall.DedupGroup, []recall.Recall, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

type TaskQueue interface {
	EnqueueTask(task tasks.TaskInterface) error
	TaskStatus(id string) (tasks.Status, bool)
}

var _ TaskQueue = (*tasks.Scheduler)(nil)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type CacheHealth interface {
	Health(ctx context.Context) map[string]any
}

// Deps wires a Handler. Queue, DB and Cache are optional.
type Deps struct {
	Searcher      Searcher
	Catalog       Catalog
	Agencies      database.AgencyRepository
	Runs          database.RunRepository
	ConfigCache   *agency.ConfigCache
	Ingester      tasks.Runner
	Queue         TaskQueue
	DB            Pinger
	Cache         CacheHealth
	SearchTimeout time.Duration
	BaseURL       string
	Version       string
}

type Handler struct {
	searcher      Searcher
	catalog       Catalog
	agencyRepo    database.AgencyRepository
	runRepo       database.RunRepository
	configCache   *agency.ConfigCache
	ingester      tasks.Runner
	queue         TaskQueue
	db            Pinger
	cache         CacheHealth
	generator     *feed.Generator
	searchTimeout time.Duration
	baseURL       string
	version       string
}
