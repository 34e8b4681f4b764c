package agency

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/recall-comb/internal/extract"
)

type ConfigCache struct {
	agenciesDir string
	cache       map[string]*Config
	mu          sync.RWMutex
}

func NewConfigCache(agenciesDir string) *ConfigCache {
	return &ConfigCache{
		agenciesDir: agenciesDir,
		cache:       make(map[string]*Config),
	}
}

// Run loads every *.yml file of the agencies directory. A missing directory
// leaves the cache empty.
func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.agenciesDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.agenciesDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yml")

		config, err := cc.LoadConfig(name)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Agency configuration loaded", "agency", config.Code, "format", config.Format, "enabled", config.Settings.Enabled)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(name string) (*Config, error) {
	configFile := filepath.Join(cc.agenciesDir, name+".yml")
	config, err := parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	config.Code = strings.ToUpper(name)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Code] = config

	return config, nil
}

// Add registers a config built in code, validating it like a loaded file.
func (cc *ConfigCache) Add(config *Config) error {
	config.Code = strings.ToUpper(config.Code)
	applyDefaults(config)
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid config %s: %w", config.Code, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Code] = config
	return nil
}

func (cc *ConfigCache) GetConfig(code string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[strings.ToUpper(code)]
	if !ok {
		return nil, fmt.Errorf("agency config with code '%s' not found", code)
	}
	return config, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configsCopy := make(map[string]*Config, len(cc.cache))
	for k, v := range cc.cache {
		configsCopy[k] = v
	}
	return configsCopy
}

// GetEnabledConfigs returns enabled agencies ordered by code.
func (cc *ConfigCache) GetEnabledConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	var enabled []*Config
	for _, v := range cc.cache {
		if v.Settings.Enabled {
			enabled = append(enabled, v)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Code < enabled[j].Code })
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

// ExtraRules turns the agency's identifier_fields into extraction rules, in
// field name order.
func (c *Config) ExtraRules() []extract.Rule {
	if len(c.IdentifierFields) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.IdentifierFields))
	for name := range c.IdentifierFields {
		names = append(names, name)
	}
	slices.Sort(names)
	return extract.FieldRules(names, c.IdentifierFields)
}

func parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = 30
	}
	if config.Settings.RateLimit == 0 {
		config.Settings.RateLimit = 1
	}
	if config.Settings.MaxAttempts == 0 {
		config.Settings.MaxAttempts = 3
	}
	config.Format = strings.ToLower(config.Format)
	config.Country = strings.ToUpper(config.Country)
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	requiredFields := map[string]string{
		"agency code": config.Code,
		"url":         config.URL,
		"format":      config.Format,
		"category":    string(config.Category),
	}

	for fieldName, fieldValue := range requiredFields {
		if fieldValue == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}

	if u, err := url.Parse(config.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url: %s", config.URL)
	}

	if !config.Category.Valid() {
		return fmt.Errorf("invalid category: %s", config.Category)
	}

	nonNegativeFields := map[string]float64{
		"timeout":      float64(config.Settings.Timeout),
		"rate limit":   config.Settings.RateLimit,
		"max attempts": float64(config.Settings.MaxAttempts),
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	for i, f := range config.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter %d: field is required", i)
		}
		if len(f.Includes) == 0 && len(f.Excludes) == 0 {
			return fmt.Errorf("filter %d: includes or excludes required", i)
		}
	}

	switch config.Format {
	case FormatJSON:
		if config.Fields["external_id"] == "" {
			return fmt.Errorf("json agencies must map the external_id field")
		}
	case FormatHTML:
		if config.ItemSelector == "" {
			return fmt.Errorf("html agencies require item_selector")
		}
		if config.Fields["external_id"] == "" && config.LinkSelector == "" {
			return fmt.Errorf("html agencies must map external_id or set link_selector")
		}
	case FormatRSS:
	default:
		return fmt.Errorf("invalid format: %s", config.Format)
	}

	for field, t := range config.IdentifierFields {
		if !t.Valid() {
			return fmt.Errorf("invalid identifier type for field %s: %s", field, t)
		}
	}

	return nil
}
