// Package textnorm folds free text into the lowercase, accent-free token form
// used for search keywords and identifier comparison.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips combining marks, so "Crème Brûlée" becomes
// "creme brulee".
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokens splits folded text on anything that is not a letter or digit.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords joins the unique tokens of all parts in first-seen order.
func Keywords(parts ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range parts {
		for _, token := range Tokens(part) {
			if seen[token] {
				continue
			}
			seen[token] = true
			out = append(out, token)
		}
	}
	return strings.Join(out, " ")
}

// Compact collapses runs of whitespace and trims the ends.
func Compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
