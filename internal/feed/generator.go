// Package feed renders catalog recalls as an RSS 2.0 channel.
package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// Channel describes the feed itself. BaseURL is the public service URL used
// for item links.
type Channel struct {
	Title       string
	Description string
	SelfLink    string
	BaseURL     string
	Version     string
}

type Generator struct {
	now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

func (g *Generator) Run(channel Channel, recalls []recall.Recall) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", cmp.Or(channel.Title, "Product safety recalls"), 4)
	g.writeElement(&buf, "link", channel.BaseURL, 4)
	g.writeElement(&buf, "description", cmp.Or(channel.Description, "Latest product safety recalls"), 4)

	if channel.SelfLink != "" {
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(channel.SelfLink)))
	}

	lastBuildDate := g.now().In(time.Local)
	if len(recalls) > 0 {
		lastBuildDate = cmp.Or(recalls[0].UpdatedAt, recalls[0].RecallDate)
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("Recall-Comb/%s", cmp.Or(channel.Version, "dev")), 4)

	for _, r := range recalls {
		g.writeItem(&buf, channel, r)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, channel Channel, r recall.Recall) {
	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(r.ID))
	buf.WriteString("</guid>\n")

	title := cmp.Or(r.Title, r.ProductName)
	if r.Brand != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(r.Brand)) {
		title = r.Brand + " " + title
	}
	g.writeElement(buf, "title", title, 6)

	if channel.BaseURL != "" {
		g.writeElement(buf, "link", strings.TrimSuffix(channel.BaseURL, "/")+"/api/recalls/"+r.ID, 6)
	}

	g.writeElement(buf, "description", description(r), 6)
	g.writeElement(buf, "pubDate", r.RecallDate.Format(time.RFC1123Z), 6)
	g.writeElement(buf, "author", r.SourceAgency, 6)

	for _, category := range []string{string(r.HazardCategory), "severity:" + string(r.Severity)} {
		g.writeElement(buf, "category", category, 6)
	}

	buf.WriteString("    </item>\n")
}

func description(r recall.Recall) string {
	var parts []string
	if r.HazardText != "" {
		parts = append(parts, "Hazard: "+r.HazardText)
	}
	if r.Description != "" && r.Description != r.HazardText {
		parts = append(parts, r.Description)
	}
	for _, id := range r.Identifiers {
		parts = append(parts, fmt.Sprintf("%s: %s", id.Type, id.Value))
	}
	if len(parts) == 0 {
		return "No description available"
	}
	return strings.Join(parts, "\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}
