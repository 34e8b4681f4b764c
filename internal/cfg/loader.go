package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBDriver   string `long:"db-driver" env:"DB_DRIVER" default:"postgres" choice:"postgres" choice:"sqlite" description:"Database driver"`
	DBHost     string `long:"db-host" env:"DB_HOST" default:"localhost" description:"Database host"`
	DBPort     string `long:"db-port" env:"DB_PORT" default:"5432" description:"Database port"`
	DBUser     string `long:"db-user" env:"DB_USER" default:"recall_user" description:"Database user"`
	DBPassword string `long:"db-password" env:"DB_PASSWORD" description:"Database password (required for postgres)"`
	DBName     string `long:"db-name" env:"DB_NAME" default:"recall_comb" description:"Database name"`
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./recall-comb.db" description:"SQLite database file"`

	// Application configuration
	AgenciesDir          string `long:"agencies-dir" env:"AGENCIES_DIR" default:"./agencies" description:"Directory containing agency configuration files"`
	Port                 string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseURL              string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://recalls.example.com)"`
	WorkerCount          int    `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background workers for scheduled tasks"`
	MaxConcurrentFetches int    `long:"max-concurrent-fetches" env:"MAX_CONCURRENT_FETCHES" default:"8" description:"Agencies fetched in parallel during a run"`
	IngestSchedule       string `long:"ingest-schedule" env:"INGEST_SCHEDULE" default:"@every 6h" description:"Cron schedule of ingestion runs"`
	IngestOnStart        bool   `long:"ingest-on-start" env:"INGEST_ON_START" description:"Run an ingestion when the server starts"`
	APIAccessKey         string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the ingest endpoint (optional)"`

	// Pipeline thresholds
	DedupSimilarity      float64 `long:"dedup-similarity" env:"DEDUP_SIMILARITY" default:"0.85" description:"Minimum name similarity for a fuzzy duplicate"`
	DedupWindowDays      int     `long:"dedup-window-days" env:"DEDUP_WINDOW_DAYS" default:"30" description:"Maximum recall date distance for a fuzzy duplicate"`
	DedupAmbiguityMargin float64 `long:"dedup-ambiguity-margin" env:"DEDUP_AMBIGUITY_MARGIN" default:"0.05" description:"Similarity band below the threshold reported as ambiguous"`
	QualityThreshold     float64 `long:"quality-threshold" env:"QUALITY_THRESHOLD" default:"0.70" description:"Quality ratio below which a recall is flagged low quality"`
	SearchFloor          float64 `long:"search-floor" env:"SEARCH_FLOOR" default:"0.08" description:"Minimum relevance of a text search hit"`
	SearchTimeout        int     `long:"search-timeout" env:"SEARCH_TIMEOUT" default:"10" description:"Search request timeout in seconds"`

	// Optional integrations
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the search cache (optional)"`
	CacheTTL      int    `long:"cache-ttl" env:"CACHE_TTL" default:"300" description:"Search cache TTL in seconds"`
	KafkaBrokers  string `long:"kafka-brokers" env:"KAFKA_BROKERS" description:"Comma separated Kafka brokers for recall events (optional)"`
	KafkaTopic    string `long:"kafka-topic" env:"KAFKA_TOPIC" default:"recalls" description:"Kafka topic for recall events"`
	ArchiveBucket string `long:"archive-bucket" env:"ARCHIVE_BUCKET" description:"S3 bucket for raw payloads (optional)"`
	ArchiveRegion string `long:"archive-region" env:"ARCHIVE_REGION" default:"us-east-1" description:"S3 region"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Recall Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load reads .env files, the environment and args. It returns nil, nil when
// help was requested.
func Load(args []string) (*Cfg, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := fromRaw(raw)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func fromRaw(raw rawCfg) *Cfg {
	return &Cfg{
		DBDriver:             raw.DBDriver,
		DBHost:               raw.DBHost,
		DBPort:               raw.DBPort,
		DBUser:               raw.DBUser,
		DBPassword:           raw.DBPassword,
		DBName:               raw.DBName,
		DBPath:               raw.DBPath,
		AgenciesDir:          raw.AgenciesDir,
		Port:                 raw.Port,
		BaseURL:              raw.BaseURL,
		WorkerCount:          raw.WorkerCount,
		MaxConcurrentFetches: raw.MaxConcurrentFetches,
		IngestSchedule:       raw.IngestSchedule,
		IngestOnStart:        raw.IngestOnStart,
		APIAccessKey:         raw.APIAccessKey,
		DedupSimilarity:      raw.DedupSimilarity,
		DedupWindowDays:      raw.DedupWindowDays,
		DedupAmbiguityMargin: raw.DedupAmbiguityMargin,
		QualityThreshold:     raw.QualityThreshold,
		SearchFloor:          raw.SearchFloor,
		SearchTimeout:        time.Duration(raw.SearchTimeout) * time.Second,
		RedisAddr:            raw.RedisAddr,
		CacheTTL:             time.Duration(raw.CacheTTL) * time.Second,
		KafkaBrokers:         splitList(raw.KafkaBrokers),
		KafkaTopic:           raw.KafkaTopic,
		ArchiveBucket:        raw.ArchiveBucket,
		ArchiveRegion:        raw.ArchiveRegion,
		UserAgent:            raw.UserAgent,
		Timezone:             raw.Timezone,
		Debug:                raw.Debug,
		Version:              GetVersion(),
	}
}

func (c *Cfg) validate() error {
	if c.DBDriver == DriverPostgres && c.DBPassword == "" {
		return fmt.Errorf("db-password is required for the postgres driver")
	}
	if c.DedupSimilarity <= 0 || c.DedupSimilarity > 1 {
		return fmt.Errorf("dedup-similarity must be in (0, 1], got %v", c.DedupSimilarity)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("quality-threshold must be in [0, 1], got %v", c.QualityThreshold)
	}
	if c.SearchFloor < 0 || c.SearchFloor > 1 {
		return fmt.Errorf("search-floor must be in [0, 1], got %v", c.SearchFloor)
	}

	nonNegative := map[string]int{
		"dedup-window-days":      c.DedupWindowDays,
		"worker-count":           c.WorkerCount,
		"max-concurrent-fetches": c.MaxConcurrentFetches,
	}
	for field, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%s cannot be negative", field)
		}
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
