package cfg

import (
	"strings"
	"testing"
	"time"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", t.TempDir()+"/recalls.db")

	cfg, err := Load([]string{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBDriver != DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.DBDriver)
	}
	if cfg.DedupSimilarity != 0.85 || cfg.DedupWindow() != 30*24*time.Hour {
		t.Errorf("Unexpected dedup defaults: %v %v", cfg.DedupSimilarity, cfg.DedupWindow())
	}
	if cfg.QualityThreshold != 0.70 || cfg.SearchFloor != 0.08 {
		t.Errorf("Unexpected thresholds: quality %v floor %v", cfg.QualityThreshold, cfg.SearchFloor)
	}
	if cfg.SearchTimeout != 10*time.Second || cfg.CacheTTL != 5*time.Minute {
		t.Errorf("Unexpected durations: search %v cache %v", cfg.SearchTimeout, cfg.CacheTTL)
	}
	if cfg.IngestSchedule != "@every 6h" || cfg.MaxConcurrentFetches != 8 {
		t.Errorf("Unexpected ingest defaults: %q %d", cfg.IngestSchedule, cfg.MaxConcurrentFetches)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("Expected no Kafka brokers, got %v", cfg.KafkaBrokers)
	}
	if Get() != cfg {
		t.Error("Expected Get to return the loaded configuration")
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DEDUP_SIMILARITY", "0.9")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load([]string{"--dedup-similarity", "0.95", "--search-floor", "0.1"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DedupSimilarity != 0.95 {
		t.Errorf("Expected flag to override env, got %v", cfg.DedupSimilarity)
	}
	if cfg.SearchFloor != 0.1 {
		t.Errorf("Expected search floor 0.1, got %v", cfg.SearchFloor)
	}
	if strings.Join(cfg.KafkaBrokers, "|") != "kafka-1:9092|kafka-2:9092" {
		t.Errorf("Unexpected brokers: %v", cfg.KafkaBrokers)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without password", map[string]string{"DB_DRIVER": "postgres", "DB_PASSWORD": ""}, "db-password"},
		{"similarity out of range", map[string]string{"DB_DRIVER": "sqlite", "DEDUP_SIMILARITY": "1.5"}, "dedup-similarity"},
		{"negative window", map[string]string{"DB_DRIVER": "sqlite", "DEDUP_WINDOW_DAYS": "-1"}, "dedup-window-days"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load([]string{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
