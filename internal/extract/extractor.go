package extract

import (
	"regexp"
	"slices"
	"strings"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// HazardTextFields and SeverityFields are the raw fields read, in order, for
// hazard and severity classification.
var (
	HazardTextFields = []string{"hazard_text", "hazard", "reason_for_recall", "reason", "risk", "defect_summary"}
	SeverityFields   = []string{"severity", "classification", "risk_level", "risk_type"}
)

var (
	fieldNameSeparators = regexp.MustCompile(`[^a-z0-9]+`)
	multiValueSplit     = regexp.MustCompile(`[,;|\n]+`)
)

type Result struct {
	Identifiers []recall.Identifier
	Warnings    []*recall.IdentifierExtractionWarning
	Hazard      recall.HazardCategory
	HazardText  string
	Severity    recall.Severity
}

type Extractor struct {
	hazardRules   []HazardRule
	severityRules []SeverityRule
}

func NewExtractor() *Extractor {
	return &Extractor{
		hazardRules:   DefaultHazardRules,
		severityRules: DefaultSeverityRules,
	}
}

func NewExtractorWithRules(hazardRules []HazardRule, severityRules []SeverityRule) *Extractor {
	return &Extractor{hazardRules: hazardRules, severityRules: severityRules}
}

// Run extracts identifiers with the category's rule table followed by extra,
// then classifies hazard and severity. It never fails: malformed values are
// dropped and reported in Result.Warnings.
func (e *Extractor) Run(raw recall.RawRecallRecord, extra []Rule) Result {
	fields := normalizeFields(raw.Fields)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	var result Result
	seen := make(map[recall.Identifier]bool)

	rules := append(RulesFor(raw.Category), extra...)
	for _, rule := range rules {
		for _, name := range matchingFields(rule, names) {
			for _, value := range candidateValues(rule, fields[name]) {
				normalized, err := Validate(rule.Type, value)
				if err != nil {
					result.Warnings = append(result.Warnings, &recall.IdentifierExtractionWarning{
						Field:  name,
						Value:  value,
						Type:   rule.Type,
						Reason: err.Error(),
					})
					continue
				}
				id := recall.Identifier{Type: rule.Type, Value: normalized}
				if seen[id] {
					continue
				}
				seen[id] = true
				result.Identifiers = append(result.Identifiers, id)
			}
		}
	}

	result.HazardText = firstField(fields, HazardTextFields)
	result.Hazard = ClassifyHazard(e.hazardRules, result.HazardText)
	result.Severity = ClassifySeverity(e.severityRules, firstField(fields, SeverityFields))

	return result
}

// NormalizeFieldName lowercases a raw field name and joins its words with "_".
func NormalizeFieldName(name string) string {
	return strings.Trim(fieldNameSeparators.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

func normalizeFields(raw map[string]string) map[string]string {
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		name := NormalizeFieldName(k)
		if strings.TrimSpace(v) == "" || fields[name] != "" {
			continue
		}
		fields[name] = v
	}
	return fields
}

func matchingFields(rule Rule, names []string) []string {
	var matched []string
	for _, field := range rule.Fields {
		if _, ok := slices.BinarySearch(names, field); ok {
			matched = append(matched, field)
		}
	}
	if rule.FieldPattern != nil {
		for _, name := range names {
			if rule.FieldPattern.MatchString(name) && !slices.Contains(matched, name) {
				matched = append(matched, name)
			}
		}
	}
	return matched
}

func candidateValues(rule Rule, value string) []string {
	if rule.Capture != nil {
		var values []string
		for _, m := range rule.Capture.FindAllStringSubmatch(value, -1) {
			if len(m) > 1 {
				values = append(values, m[1])
			}
		}
		return values
	}
	if isDateType(rule.Type) {
		return []string{value}
	}
	var values []string
	for _, part := range multiValueSplit.Split(value, -1) {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func isDateType(t recall.IdentifierType) bool {
	return t == recall.IdentifierExpiryDate || t == recall.IdentifierBestBeforeDate || t == recall.IdentifierProductionDate
}

func firstField(fields map[string]string, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(fields[name]); v != "" {
			return v
		}
	}
	return ""
}
