package connector

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// HTMLConnector scrapes listing pages. Each element matched by the agency's
// item selector is one notice; field selectors are evaluated inside it.
type HTMLConnector struct {
	*source
}

func (c *HTMLConnector) Fetch(ctx context.Context, since time.Time) iter.Seq2[recall.RawRecallRecord, error] {
	data, err := c.fetchList(ctx, since)
	if err != nil {
		return failed(err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return failed(&recall.ConnectorFetchError{Agency: c.cfg.Code, Attempts: 1, Err: fmt.Errorf("failed to parse HTML: %w", err)})
	}

	base, _ := url.Parse(c.cfg.URL)
	items := doc.Find(c.cfg.ItemSelector)

	return func(yield func(recall.RawRecallRecord, error) bool) {
		for i := range items.Length() {
			if ctx.Err() != nil {
				yield(recall.RawRecallRecord{}, ctx.Err())
				return
			}
			item := items.Eq(i)

			fields := make(map[string]string)
			for name, selector := range c.cfg.Fields {
				if v := selectValue(item, selector); v != "" {
					fields[name] = v
				}
			}

			if c.cfg.LinkSelector != "" {
				if href, ok := item.Find(c.cfg.LinkSelector).First().Attr("href"); ok {
					fields["link"] = resolve(base, href)
				}
			}
			if fields["external_id"] == "" {
				fields["external_id"] = fields["link"]
			}

			if c.cfg.Settings.ExtractContent && fields["link"] != "" {
				if text := c.articleText(ctx, fields["link"]); text != "" {
					fields["summary"] = fields["description"]
					fields["description"] = text
				}
			}

			payload, err := goquery.OuterHtml(item)
			if err != nil {
				payload = item.Text()
			}

			if !yield(c.record(fields["external_id"], []byte(payload), fields), nil) {
				return
			}
		}
	}
}

// selectValue evaluates "selector" to the trimmed text of the first match,
// or "selector@attr" to its attribute. An empty selector means the item
// itself.
func selectValue(item *goquery.Selection, selector string) string {
	selector, attr, hasAttr := strings.Cut(selector, "@")
	sel := item
	if selector = strings.TrimSpace(selector); selector != "" {
		sel = item.Find(selector).First()
	}
	if hasAttr {
		return strings.TrimSpace(sel.AttrOr(attr, ""))
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
