package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/connector"
	"github.com/lysyi3m/recall-comb/internal/extract"
	"github.com/lysyi3m/recall-comb/internal/recall"
)

var (
	ErrUnknownAgency = errors.New("unknown agency")
	ErrRunInProgress = errors.New("an ingestion run is already in progress")
)

// Publisher announces stored recalls downstream.
type Publisher interface {
	PublishRecall(ctx context.Context, rec *recall.Recall) error
}

// Archiver keeps a copy of raw payloads outside the database.
type Archiver interface {
	Archive(ctx context.Context, raw recall.RawRecallRecord) error
}

// Invalidator drops cached search results after the catalog changed.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Source is one enabled agency: its connector plus the agency specific
// extraction rules.
type Source struct {
	Agency    *agency.Config
	Connector connector.Connector
	Rules     []extract.Rule
}

// NewSource builds the connector for cfg.
func NewSource(cfg *agency.Config, httpClient *http.Client, userAgent string) (Source, error) {
	conn, err := connector.New(cfg, httpClient, userAgent)
	if err != nil {
		return Source{}, err
	}
	return Source{Agency: cfg, Connector: conn, Rules: cfg.ExtraRules()}, nil
}

type RunOptions struct {
	// Agencies limits the run to these codes. Empty means every source.
	Agencies []string
	// Since overrides the per-agency cursor (last successful run).
	Since time.Time
}

type AgencyReport struct {
	Fetched    int    `json:"fetched"`
	Filtered   int    `json:"filtered"`
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	LowQuality int    `json:"low_quality"`
	Warnings   int    `json:"warnings"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Degraded   bool   `json:"degraded"`
	Error      string `json:"error,omitempty"`
}

type DedupReport struct {
	Groups    int `json:"groups"`
	Merged    int `json:"merged"`
	Ambiguous int `json:"ambiguous"`
}

type RunReport struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Agencies   map[string]*AgencyReport `json:"agencies"`
	Dedup      DedupReport              `json:"dedup"`
}
