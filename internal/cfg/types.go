package cfg

import "time"

type Cfg struct {
	// Database configuration
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string

	// Application configuration
	AgenciesDir          string
	Port                 string
	BaseURL              string
	WorkerCount          int
	MaxConcurrentFetches int
	IngestSchedule       string
	IngestOnStart        bool
	APIAccessKey         string

	// Pipeline thresholds
	DedupSimilarity      float64
	DedupWindowDays      int
	DedupAmbiguityMargin float64
	QualityThreshold     float64
	SearchFloor          float64
	SearchTimeout        time.Duration

	// Optional integrations
	RedisAddr     string
	CacheTTL      time.Duration
	KafkaBrokers  []string
	KafkaTopic    string
	ArchiveBucket string
	ArchiveRegion string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

func (c *Cfg) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowDays) * 24 * time.Hour
}
