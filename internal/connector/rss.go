package connector

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// RSSConnector reads RSS and Atom feeds of recall notices. Items expose the
// fields external_id, title, link, description, published, categories and
// company; the agency field mapping copies them under additional names.
type RSSConnector struct {
	*source
	parser *gofeed.Parser
}

func NewRSSConnector(base *source) *RSSConnector {
	return &RSSConnector{source: base, parser: gofeed.NewParser()}
}

func (c *RSSConnector) Fetch(ctx context.Context, since time.Time) iter.Seq2[recall.RawRecallRecord, error] {
	data, err := c.fetchList(ctx, since)
	if err != nil {
		return failed(err)
	}

	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return failed(&recall.ConnectorFetchError{Agency: c.cfg.Code, Attempts: 1, Err: fmt.Errorf("failed to parse feed: %w", err)})
	}

	return func(yield func(recall.RawRecallRecord, error) bool) {
		for _, item := range feed.Items {
			if ctx.Err() != nil {
				yield(recall.RawRecallRecord{}, ctx.Err())
				return
			}
			if !since.IsZero() && item.PublishedParsed != nil && item.PublishedParsed.Before(since) {
				continue
			}

			fields := c.itemFields(item)
			if c.cfg.Settings.ExtractContent && item.Link != "" {
				if text := c.articleText(ctx, item.Link); text != "" {
					fields["summary"] = fields["description"]
					fields["description"] = text
				}
			}

			payload, err := json.Marshal(item)
			if err != nil {
				payload = []byte(item.Title)
			}

			if !yield(c.record(fields["external_id"], payload, fields), nil) {
				return
			}
		}
	}
}

func (c *RSSConnector) itemFields(item *gofeed.Item) map[string]string {
	fields := map[string]string{
		"external_id": cmp.Or(item.GUID, item.Link),
		"title":       strings.TrimSpace(item.Title),
		"link":        item.Link,
		"description": strings.TrimSpace(cmp.Or(item.Description, item.Content)),
	}
	if item.PublishedParsed != nil {
		fields["published"] = item.PublishedParsed.UTC().Format(time.RFC3339)
	} else if item.Published != "" {
		fields["published"] = item.Published
	}
	if len(item.Categories) > 0 {
		fields["categories"] = strings.Join(item.Categories, ", ")
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		fields["company"] = item.Authors[0].Name
	}
	for name, src := range c.cfg.Fields {
		if v := fields[src]; v != "" {
			fields[name] = v
		}
	}
	return fields
}
