package agency

import (
	"fmt"
	"strings"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// Excluded applies the agency filters to a raw notice. Matching is a case
// insensitive substring test on the named raw field. The first failing
// filter wins.
func (c *Config) Excluded(raw recall.RawRecallRecord) (bool, string) {
	for _, filter := range c.Filters {
		value := raw.Fields[filter.Field]

		for _, exclude := range filter.Excludes {
			if matches(value, exclude) {
				return true, fmt.Sprintf("excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) == 0 {
			continue
		}
		matched := false
		for _, include := range filter.Includes {
			if matches(value, include) {
				matched = true
				break
			}
		}
		if !matched {
			return true, fmt.Sprintf("excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
		}
	}

	return false, ""
}

func matches(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}
