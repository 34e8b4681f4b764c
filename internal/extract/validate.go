package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/textnorm"
)

const maxIdentifierLength = 128

var (
	ndcPattern = regexp.MustCompile(`^\d{4,5}-\d{3,4}-\d{1,2}$`)
	vinPattern = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
)

// dateLayouts are tried in order; numeric dd/mm forms are read US style.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"20060102",
	"2006-01",
}

// ParseDate reads the date formats agencies publish and returns midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}

type validator func(string) (string, error)

var validators = map[recall.IdentifierType]validator{
	recall.IdentifierUPC:            digitsOfLength(12),
	recall.IdentifierEAN:            digitsOfLength(8, 13),
	recall.IdentifierGTIN:           digitsOfLength(8, 12, 13, 14),
	recall.IdentifierDINNumber:      digitsOfLength(8),
	recall.IdentifierNDCNumber:      validateNDC,
	recall.IdentifierModelYear:      validateModelYear,
	recall.IdentifierVINRange:       validateVINRange,
	recall.IdentifierExpiryDate:     validateDate,
	recall.IdentifierBestBeforeDate: validateDate,
	recall.IdentifierProductionDate: validateDate,
}

// Validate normalizes value for the identifier type or reports why it does
// not fit the expected format.
func Validate(t recall.IdentifierType, value string) (string, error) {
	value = textnorm.Compact(value)
	if value == "" {
		return "", errors.New("empty value")
	}
	if len(value) > maxIdentifierLength {
		return "", fmt.Errorf("longer than %d characters", maxIdentifierLength)
	}
	if v, ok := validators[t]; ok {
		return v(value)
	}
	return value, nil
}

func digitsOfLength(lengths ...int) validator {
	return func(value string) (string, error) {
		digits := strings.Map(func(r rune) rune {
			if r == ' ' || r == '-' {
				return -1
			}
			return r
		}, value)
		for _, r := range digits {
			if !unicode.IsDigit(r) {
				return "", errors.New("must be numeric")
			}
		}
		for _, n := range lengths {
			if len(digits) == n {
				return digits, nil
			}
		}
		return "", fmt.Errorf("must have %v digits, got %d", lengths, len(digits))
	}
}

func validateNDC(value string) (string, error) {
	if ndcPattern.MatchString(value) {
		return value, nil
	}
	if digits, err := digitsOfLength(10, 11)(value); err == nil {
		return digits, nil
	}
	return "", errors.New("not an NDC code")
}

func validateModelYear(value string) (string, error) {
	year, err := strconv.Atoi(value)
	if err != nil || len(value) != 4 {
		return "", errors.New("must be a four digit year")
	}
	if year < 1900 || year > 2100 {
		return "", fmt.Errorf("year %d out of range", year)
	}
	return value, nil
}

func validateVINRange(value string) (string, error) {
	value = strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	parts := strings.Split(value, "-")
	if len(parts) > 2 {
		return "", errors.New("VIN range must have at most two bounds")
	}
	for _, part := range parts {
		if !vinPattern.MatchString(part) {
			return "", fmt.Errorf("invalid VIN %q", part)
		}
	}
	return value, nil
}

func validateDate(value string) (string, error) {
	t, err := ParseDate(value)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}
