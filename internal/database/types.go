package database

import (
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

type Agency struct {
	Code          string
	Name          string
	Country       string
	Category      string
	URL           string
	Enabled       bool
	LastRunAt     *time.Time
	LastSuccessAt *time.Time
	LastError     string
	Degraded      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Run struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Report     []byte
}

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RecallFilter narrows catalog reads. Zero values mean "no constraint".
type RecallFilter struct {
	Agencies          []string
	Severity          recall.Severity
	HazardCategory    recall.HazardCategory
	DateFrom          *time.Time
	DateTo            *time.Time
	IncludeLowQuality bool

	// Text keeps rows whose product_name, brand, description or hazard_text
	// is trigram-similar to it at TextFloor or above. Only Postgres applies
	// it; elsewhere the caller scores every row.
	Text      string
	TextFloor float64
	// Keywords must each occur as a substring of search_keywords.
	Keywords []string
}

type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

type UpsertResult struct {
	ID      string
	Outcome UpsertOutcome
}

type Stats struct {
	Total      int
	LowQuality int
	Grouped    int
	Groups     int
	ByAgency   map[string]int
	ByHazard   map[string]int
}
