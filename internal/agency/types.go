package agency

import (
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

const (
	FormatJSON = "json"
	FormatRSS  = "rss"
	FormatHTML = "html"
)

// Config describes one upstream agency. Code is derived from the file name
// (fda.yml becomes FDA).
type Config struct {
	Code     string
	Name     string          `yaml:"name"`
	Country  string          `yaml:"country"`
	Category recall.Category `yaml:"category"`
	URL      string          `yaml:"url"`
	Format   string          `yaml:"format"`
	Settings Settings        `yaml:"settings"`

	// RecordsPath is the gjson path of the record array in a JSON response.
	// Empty means the response itself is the array.
	RecordsPath string `yaml:"records_path"`
	// ItemSelector selects one notice per match on an HTML listing page.
	ItemSelector string `yaml:"item_selector"`
	// LinkSelector points at the detail page link inside an HTML item.
	LinkSelector string `yaml:"link_selector"`
	// SinceParam, when set, is added to the request URL with the
	// incremental cursor as YYYY-MM-DD.
	SinceParam string `yaml:"since_param"`

	// Fields maps raw field names to a gjson path (json), a CSS selector
	// (html, "selector@attr" reads an attribute) or, for rss, the name of
	// one of the fixed item fields to copy.
	Fields map[string]string `yaml:"fields"`
	// IdentifierFields adds agency specific identifier rules: raw field name
	// to identifier type.
	IdentifierFields map[string]recall.IdentifierType `yaml:"identifier_fields"`
	// Filters drop notices that are not recalls (advisories, updates,
	// market withdrawals) before extraction.
	Filters []Filter `yaml:"filters"`
}

type Filter struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

type Settings struct {
	Enabled        bool    `yaml:"enabled"`
	Timeout        int     `yaml:"timeout"`    // seconds
	RateLimit      float64 `yaml:"rate_limit"` // requests per second
	MaxAttempts    int     `yaml:"max_attempts"`
	ExtractContent bool    `yaml:"extract_content"`
}

func (s Settings) GetTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
