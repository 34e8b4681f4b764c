package connector

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// JSONConnector reads REST endpoints returning a JSON array of notices.
// Every top level scalar of a record becomes a raw field; the agency's
// field mapping adds or overrides fields from gjson paths.
type JSONConnector struct {
	*source
}

func (c *JSONConnector) Fetch(ctx context.Context, since time.Time) iter.Seq2[recall.RawRecallRecord, error] {
	data, err := c.fetchList(ctx, since)
	if err != nil {
		return failed(err)
	}

	if !gjson.ValidBytes(data) {
		return failed(&recall.ConnectorFetchError{Agency: c.cfg.Code, Attempts: 1, Err: fmt.Errorf("malformed JSON payload")})
	}

	records := gjson.ParseBytes(data)
	if c.cfg.RecordsPath != "" {
		records = records.Get(c.cfg.RecordsPath)
	}
	if !records.IsArray() {
		return failed(&recall.ConnectorFetchError{Agency: c.cfg.Code, Attempts: 1, Err: fmt.Errorf("records path %q is not an array", c.cfg.RecordsPath)})
	}

	return func(yield func(recall.RawRecallRecord, error) bool) {
		for _, item := range records.Array() {
			if ctx.Err() != nil {
				yield(recall.RawRecallRecord{}, ctx.Err())
				return
			}
			if !item.IsObject() {
				continue
			}

			fields := make(map[string]string)
			item.ForEach(func(key, value gjson.Result) bool {
				if v := flatten(value); v != "" {
					fields[key.String()] = v
				}
				return true
			})
			for name, path := range c.cfg.Fields {
				if v := flatten(item.Get(path)); v != "" {
					fields[name] = v
				}
			}

			if !yield(c.record(fields["external_id"], []byte(item.Raw), fields), nil) {
				return
			}
		}
	}
}

// flatten renders scalars as text and arrays of scalars as a comma
// separated list. Objects are skipped.
func flatten(value gjson.Result) string {
	switch {
	case !value.Exists(), value.Type == gjson.Null:
		return ""
	case value.IsArray():
		var parts []string
		for _, v := range value.Array() {
			if s := flatten(v); s != "" && !v.IsArray() {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case value.IsObject():
		return ""
	}
	return strings.TrimSpace(value.String())
}
