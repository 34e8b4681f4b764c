// Package trigram implements pg_trgm compatible trigram similarity so that
// ranking and merge decisions computed in Go agree with the database index.
package trigram

import (
	"strings"
	"unicode"
)

// Set is the set of distinct trigrams of a string.
type Set map[string]struct{}

// New extracts trigrams the way pg_trgm does: each alphanumeric word is
// lowercased and padded with two spaces in front and one behind.
func New(s string) Set {
	set := make(Set)
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity returns |A ∩ B| / |A ∪ B|, or 0 when either set is empty.
func (s Set) Similarity(other Set) float64 {
	if len(s) == 0 || len(other) == 0 {
		return 0
	}
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for t := range small {
		if _, ok := large[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(s)+len(other)-shared)
}

func Similarity(a, b string) float64 {
	return New(a).Similarity(New(b))
}

// Best returns the highest similarity of query against any of the fields.
func Best(query Set, fields ...string) float64 {
	best := 0.0
	for _, field := range fields {
		if field == "" {
			continue
		}
		if sim := query.Similarity(New(field)); sim > best {
			best = sim
		}
	}
	return best
}
