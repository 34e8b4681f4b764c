package extract

import (
	"strings"

	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/textnorm"
)

// Keywords are matched on whole words of the folded text. A phrase matches a
// run of consecutive words. A trailing "*" makes the last word a prefix, so
// "flammab*" matches "flammable" but "mold" never matches "molded".
type HazardRule struct {
	Keywords []string
	Category recall.HazardCategory
}

// DefaultHazardRules are evaluated top to bottom; the first rule with any
// matching keyword wins.
var DefaultHazardRules = []HazardRule{
	{Keywords: []string{"choking", "choke", "chokes", "small part*", "aspiration", "suffocat*", "strangulat*"}, Category: recall.HazardChoking},
	{Keywords: []string{"fire", "fires", "burn", "burns", "burned", "flammab*", "overheat*", "ignite", "ignites", "combust*", "melt", "melts", "melting"}, Category: recall.HazardFire},
	{Keywords: []string{"electric", "electrical", "shock", "shocks", "electrocut*", "short circuit*", "wiring"}, Category: recall.HazardElectrical},
	{Keywords: []string{"chemical*", "toxic*", "poison*", "carbon monoxide", "lead paint", "lead level*", "excessive lead", "mercury", "cadmium", "phthalate*", "benzene"}, Category: recall.HazardChemical},
	{Keywords: []string{"listeria", "salmonella", "e coli", "botulism", "clostridium", "bacteria*", "microbial", "mold", "molds", "moldy", "mould", "norovirus", "hepatitis", "cronobacter"}, Category: recall.HazardMicrobial},
	{Keywords: []string{"allergen*", "allergy", "allergic", "undeclared", "peanut*", "milk", "soy", "wheat", "gluten", "egg", "eggs", "sesame", "tree nut*", "shellfish"}, Category: recall.HazardAllergen},
}

// ClassifyHazard applies rules in order and falls back to general_safety.
func ClassifyHazard(rules []HazardRule, text string) recall.HazardCategory {
	words := wordText(text)
	if words == "" {
		return recall.HazardGeneralSafety
	}
	for _, rule := range rules {
		if matchesAny(words, rule.Keywords) {
			return rule.Category
		}
	}
	return recall.HazardGeneralSafety
}

type SeverityRule struct {
	Keywords []string
	Severity recall.Severity
}

var DefaultSeverityRules = []SeverityRule{
	{Keywords: []string{"class iii"}, Severity: recall.SeverityMedium},
	{Keywords: []string{"class ii"}, Severity: recall.SeverityHigh},
	{Keywords: []string{"class i", "death", "deaths", "fatal*", "life threatening", "critical"}, Severity: recall.SeverityCritical},
	{Keywords: []string{"serious*", "severe*", "high"}, Severity: recall.SeverityHigh},
	{Keywords: []string{"moderate", "medium"}, Severity: recall.SeverityMedium},
	{Keywords: []string{"minor", "low"}, Severity: recall.SeverityLow},
}

func ClassifySeverity(rules []SeverityRule, text string) recall.Severity {
	words := wordText(text)
	if words == "" {
		return recall.SeverityUnknown
	}
	for _, rule := range rules {
		if matchesAny(words, rule.Keywords) {
			return rule.Severity
		}
	}
	return recall.SeverityUnknown
}

// wordText folds text into space separated words with a leading and trailing
// space, or "" when there are none.
func wordText(text string) string {
	tokens := textnorm.Tokens(text)
	if len(tokens) == 0 {
		return ""
	}
	return " " + strings.Join(tokens, " ") + " "
}

func matchesAny(words string, keywords []string) bool {
	for _, keyword := range keywords {
		prefix := strings.HasSuffix(keyword, "*")
		phrase := strings.Join(textnorm.Tokens(strings.TrimSuffix(keyword, "*")), " ")
		if phrase == "" {
			continue
		}
		needle := " " + phrase
		if !prefix {
			needle += " "
		}
		if strings.Contains(words, needle) {
			return true
		}
	}
	return false
}
