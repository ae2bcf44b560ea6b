package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
)

// Generator renders a stored feed and its entries back out as RSS 2.0.
type Generator struct {
	baseURL string
	version string
}

func NewGenerator(baseURL, version string) *Generator {
	return &Generator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		version: version,
	}
}

func (g *Generator) Run(feed database.Feed, entries []database.Entry) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	title := feed.ResolvedTitle()
	g.writeElement(&buf, "title", cmp.Or(title, feed.URL), 4)
	g.writeElement(&buf, "link", cmp.Or(feed.Link, feed.URL), 4)
	g.writeElement(&buf, "description", fmt.Sprintf("Entries of %s", feed.URL), 4)

	selfLink := fmt.Sprintf("%s/feeds/rss?url=%s", g.baseURL, url.QueryEscape(feed.URL))
	buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
		html.EscapeString(selfLink)))

	if feed.Updated != nil {
		g.writeElement(&buf, "pubDate", feed.Updated.Format(time.RFC1123Z), 4)
	}

	var lastBuildDate time.Time
	switch {
	case len(entries) > 0:
		lastBuildDate = entries[0].SortAt()
	case feed.LastUpdated != nil:
		lastBuildDate = *feed.LastUpdated
	default:
		lastBuildDate = feed.Added
	}

	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("RSS-Reader/%s", g.version), 4)

	for _, entry := range entries {
		g.writeItem(&buf, entry)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, entry database.Entry) {
	buf.WriteString("    <item>\n")

	buf.WriteString(fmt.Sprintf("      <guid isPermaLink=\"%t\">", g.isURL(entry.ID)))
	xml.EscapeText(buf, []byte(entry.ID))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", entry.Title, 6)
	g.writeElement(buf, "link", entry.Link, 6)
	g.writeElement(buf, "description", cmp.Or(entry.Summary, "No description available"), 6)

	if len(entry.Content) > 0 && entry.Content[0].Value != entry.Summary {
		buf.WriteString("      <content:encoded><![CDATA[")
		buf.WriteString(strings.ReplaceAll(entry.Content[0].Value, "]]>", "]]]]><![CDATA[>"))
		buf.WriteString("]]></content:encoded>\n")
	}

	g.writeElement(buf, "pubDate", entry.SortAt().Format(time.RFC1123Z), 6)
	g.writeElement(buf, "author", entry.Author, 6)

	// RSS 2.0 requires url, length and type on every enclosure.
	for _, enclosure := range entry.Enclosures {
		if enclosure.Href == "" || enclosure.Type == "" {
			continue
		}
		buf.WriteString(fmt.Sprintf("      <enclosure url=\"%s\" length=\"%d\" type=\"%s\" />\n",
			html.EscapeString(enclosure.Href),
			enclosure.Length,
			html.EscapeString(enclosure.Type)))
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	buf.WriteString(strings.Repeat(" ", indent))
	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func (g *Generator) isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
