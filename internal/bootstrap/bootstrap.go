// Package bootstrap assembles the catalog, the ingestion pipeline and the
// optional integrations from process configuration. Both commands share it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/archive"
	"github.com/lysyi3m/recall-comb/internal/cache"
	"github.com/lysyi3m/recall-comb/internal/cfg"
	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/dedup"
	"github.com/lysyi3m/recall-comb/internal/events"
	"github.com/lysyi3m/recall-comb/internal/pipeline"
	"github.com/lysyi3m/recall-comb/internal/quality"
	"github.com/lysyi3m/recall-comb/internal/search"
)

type App struct {
	DB          *database.DB
	Recalls     *database.RecallRepo
	RawRecords  *database.RawRecordRepo
	Agencies    *database.AgencyRepo
	Runs        *database.RunRepo
	ConfigCache *agency.ConfigCache
	Runner      *pipeline.Runner
	Search      *search.Engine
	Cache       *cache.Cache
	Publisher   *events.Publisher
	Archiver    *archive.Archiver
}

// Options selects which optional integrations are started. Each one still
// needs its own configuration to be set.
type Options struct {
	Cache   bool
	Events  bool
	Archive bool
}

// AllIntegrations starts every configured integration.
var AllIntegrations = Options{Cache: true, Events: true, Archive: true}

func OpenDatabase(c *cfg.Cfg) (*database.DB, error) {
	var (
		db  *database.DB
		err error
	)
	switch c.DBDriver {
	case cfg.DriverSQLite:
		db, err = database.OpenSQLite(c.DBPath)
	default:
		db, err = database.NewConnection(c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "driver", db.Driver, "schema_version", version, "dirty", dirty)

	return db, nil
}

func New(ctx context.Context, c *cfg.Cfg, opts Options) (*App, error) {
	db, err := OpenDatabase(c)
	if err != nil {
		return nil, err
	}

	app := &App{
		DB:          db,
		Recalls:     database.NewRecallRepository(db),
		RawRecords:  database.NewRawRecordRepository(db),
		Agencies:    database.NewAgencyRepository(db),
		Runs:        database.NewRunRepository(db),
		ConfigCache: agency.NewConfigCache(c.AgenciesDir),
	}

	if err := app.ConfigCache.Run(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load agency configurations: %w", err)
	}
	slog.Info("Agency configurations loaded", "dir", c.AgenciesDir, "count", app.ConfigCache.GetConfigCount())

	if err := app.startIntegrations(ctx, c, opts); err != nil {
		app.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	var sources []pipeline.Source
	for _, agencyCfg := range app.ConfigCache.GetEnabledConfigs() {
		src, err := pipeline.NewSource(agencyCfg, httpClient, c.UserAgent)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to build connector for %s: %w", agencyCfg.Code, err)
		}
		sources = append(sources, src)
	}

	runnerCfg := pipeline.Config{
		Sources: sources,
		Scorer:  quality.NewScorer(quality.DefaultWeights(), c.QualityThreshold),
		Dedup: dedup.NewEngine(dedup.Config{
			SimilarityThreshold: c.DedupSimilarity,
			DateWindow:          c.DedupWindow(),
			AmbiguityMargin:     c.DedupAmbiguityMargin,
		}),
		Recalls:              app.Recalls,
		RawRecords:           app.RawRecords,
		Agencies:             app.Agencies,
		Runs:                 app.Runs,
		MaxConcurrentFetches: c.MaxConcurrentFetches,
	}
	searchCfg := search.Config{Floor: c.SearchFloor}

	// typed nil pointers must not reach the interface fields
	if app.Publisher != nil {
		runnerCfg.Publisher = app.Publisher
	}
	if app.Archiver != nil {
		runnerCfg.Archiver = app.Archiver
	}
	if app.Cache != nil {
		runnerCfg.Invalidator = app.Cache
		searchCfg.Cache = app.Cache
	}

	app.Runner = pipeline.NewRunner(runnerCfg)
	app.Search = search.NewEngine(app.Recalls, searchCfg)

	return app, nil
}

func (a *App) startIntegrations(ctx context.Context, c *cfg.Cfg, opts Options) error {
	var err error

	if opts.Cache && c.RedisAddr != "" {
		if a.Cache, err = cache.NewCache(ctx, c.RedisAddr, c.CacheTTL); err != nil {
			return err
		}
	}

	if opts.Events && len(c.KafkaBrokers) > 0 {
		if a.Publisher, err = events.NewPublisher(c.KafkaBrokers, c.KafkaTopic); err != nil {
			return err
		}
	}

	if opts.Archive && c.ArchiveBucket != "" {
		if a.Archiver, err = archive.New(ctx, c.ArchiveBucket, c.ArchiveRegion); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			slog.Warn("Failed to close Kafka producer", "error", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			slog.Warn("Failed to close Redis client", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
