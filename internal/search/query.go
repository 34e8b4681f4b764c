package search

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/textnorm"
)

const (
	DefaultLimit = 20
	MaxLimit     = 50
	DefaultFloor = 0.08
)

// Query is the search descriptor accepted over HTTP, as a JSON body or as
// URL query parameters with the same names.
type Query struct {
	ProductText       string   `json:"product_text,omitempty"`
	FreeTextQuery     string   `json:"free_text_query,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	ExactID           string   `json:"exact_id,omitempty"`
	Agencies          []string `json:"agencies,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	RiskCategory      string   `json:"risk_category,omitempty"`
	DateFrom          string   `json:"date_from,omitempty"`
	DateTo            string   `json:"date_to,omitempty"`
	IncludeLowQuality bool     `json:"include_low_quality,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	Offset            *int     `json:"offset,omitempty"`
	Cursor            string   `json:"cursor,omitempty"`
}

// DecodeJSON reads a Query from a JSON body. Unknown fields are rejected.
func DecodeJSON(r io.Reader) (Query, error) {
	var q Query
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		if errors.Is(err, io.EOF) {
			return Query{}, &recall.SearchParameterError{Reason: "empty request body"}
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Query{}, &recall.SearchParameterError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}
		}
		if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return Query{}, &recall.SearchParameterError{Field: strings.Trim(name, `"`), Reason: "unknown field"}
		}
		return Query{}, &recall.SearchParameterError{Reason: "malformed JSON body: " + err.Error()}
	}
	if dec.More() {
		return Query{}, &recall.SearchParameterError{Reason: "unexpected data after JSON body"}
	}
	return q, nil
}

// FromValues builds a Query from URL parameters. List parameters may repeat
// or hold comma separated values.
func FromValues(values url.Values) (Query, error) {
	var q Query
	for key, vals := range values {
		last := ""
		if len(vals) > 0 {
			last = strings.TrimSpace(vals[len(vals)-1])
		}

		switch key {
		case "product_text":
			q.ProductText = last
		case "free_text_query", "q":
			q.FreeTextQuery = last
		case "keywords":
			q.Keywords = splitList(vals)
		case "exact_id":
			q.ExactID = last
		case "agencies", "agency":
			q.Agencies = append(q.Agencies, splitList(vals)...)
		case "severity":
			q.Severity = last
		case "risk_category":
			q.RiskCategory = last
		case "date_from":
			q.DateFrom = last
		case "date_to":
			q.DateTo = last
		case "include_low_quality":
			v, err := strconv.ParseBool(last)
			if err != nil {
				return Query{}, &recall.SearchParameterError{Field: key, Reason: "expected a boolean"}
			}
			q.IncludeLowQuality = v
		case "limit":
			v, err := strconv.Atoi(last)
			if err != nil {
				return Query{}, &recall.SearchParameterError{Field: key, Reason: "expected an integer"}
			}
			q.Limit = v
		case "offset":
			v, err := strconv.Atoi(last)
			if err != nil {
				return Query{}, &recall.SearchParameterError{Field: key, Reason: "expected an integer"}
			}
			q.Offset = &v
		case "cursor":
			q.Cursor = last
		default:
			return Query{}, &recall.SearchParameterError{Field: key, Reason: "unknown field"}
		}
	}
	return q, nil
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// plan is a validated and normalized Query.
type plan struct {
	Text     string                `json:"text,omitempty"`
	Keywords []string              `json:"keywords,omitempty"`
	ExactID  string                `json:"exact_id,omitempty"`
	Filter   database.RecallFilter `json:"filter"`
	Limit    int                   `json:"limit"`
	Offset   int                   `json:"offset"`
}

func (q Query) plan() (*plan, error) {
	p := &plan{
		ExactID: strings.TrimSpace(q.ExactID),
		Limit:   q.Limit,
	}

	p.Text = textnorm.Compact(strings.TrimSpace(q.ProductText) + " " + strings.TrimSpace(q.FreeTextQuery))

	for _, kw := range q.Keywords {
		if normalized := strings.Join(textnorm.Tokens(kw), " "); normalized != "" {
			p.Keywords = append(p.Keywords, normalized)
		}
	}

	if p.ExactID != "" && (p.Text != "" || len(p.Keywords) > 0) {
		return nil, &recall.SearchParameterError{Field: "exact_id", Reason: "cannot be combined with text or keyword search"}
	}

	switch {
	case q.Limit < 0 || q.Limit > MaxLimit:
		return nil, &recall.SearchParameterError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	case q.Limit == 0:
		p.Limit = DefaultLimit
	}

	if q.Cursor != "" && q.Offset != nil {
		return nil, &recall.SearchParameterError{Field: "cursor", Reason: "cannot be combined with offset"}
	}
	if q.Offset != nil {
		if *q.Offset < 0 {
			return nil, &recall.SearchParameterError{Field: "offset", Reason: "must not be negative"}
		}
		p.Offset = *q.Offset
	}
	if q.Cursor != "" {
		offset, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, &recall.SearchParameterError{Field: "cursor", Reason: "invalid cursor"}
		}
		p.Offset = offset
	}

	for _, a := range q.Agencies {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			p.Filter.Agencies = append(p.Filter.Agencies, a)
		}
	}

	if q.Severity != "" {
		severity := recall.Severity(strings.ToLower(q.Severity))
		if !severity.Valid() {
			return nil, &recall.SearchParameterError{Field: "severity", Reason: fmt.Sprintf("unknown value %q", q.Severity)}
		}
		p.Filter.Severity = severity
	}
	if q.RiskCategory != "" {
		hazard := recall.HazardCategory(strings.ToLower(q.RiskCategory))
		if !hazard.Valid() {
			return nil, &recall.SearchParameterError{Field: "risk_category", Reason: fmt.Sprintf("unknown value %q", q.RiskCategory)}
		}
		p.Filter.HazardCategory = hazard
	}

	var err error
	if p.Filter.DateFrom, err = parseDate("date_from", q.DateFrom); err != nil {
		return nil, err
	}
	if p.Filter.DateTo, err = parseDate("date_to", q.DateTo); err != nil {
		return nil, err
	}
	if p.Filter.DateFrom != nil && p.Filter.DateTo != nil && p.Filter.DateFrom.After(*p.Filter.DateTo) {
		return nil, &recall.SearchParameterError{Field: "date_from", Reason: "must not be after date_to"}
	}

	p.Filter.IncludeLowQuality = q.IncludeLowQuality
	return p, nil
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return nil, &recall.SearchParameterError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	return &t, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	return offset, nil
}
