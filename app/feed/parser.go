package feed

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/mmcdole/gofeed"
)

// Parser turns a retrieved body into a Document.
type Parser interface {
	Parse(url string, body []byte) (*Document, error)
}

type GofeedParser struct {
	gofeedParser *gofeed.Parser
}

func NewGofeedParser() *GofeedParser {
	return &GofeedParser{
		gofeedParser: gofeed.NewParser(),
	}
}

func (p *GofeedParser) Parse(url string, body []byte) (*Document, error) {
	parsed, err := p.gofeedParser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.KindParse, url, "failed to parse feed", err)
	}

	doc := &Document{
		Title:   strings.TrimSpace(parsed.Title),
		Link:    strings.TrimSpace(parsed.Link),
		Author:  joinAuthors(parsed.Authors, parsed.Author),
		Updated: utcPtr(parsed.UpdatedParsed),
	}
	if doc.Updated == nil {
		doc.Updated = utcPtr(parsed.PublishedParsed)
	}

	doc.Items = make([]Item, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		doc.Items = append(doc.Items, p.normalizeItem(item, parsed.Language))
	}

	return doc, nil
}

func (p *GofeedParser) normalizeItem(item *gofeed.Item, language string) Item {
	normalized := Item{
		ID:        strings.TrimSpace(item.GUID),
		Title:     strings.TrimSpace(item.Title),
		Link:      strings.TrimSpace(item.Link),
		Author:    joinAuthors(item.Authors, item.Author),
		Published: utcPtr(item.PublishedParsed),
		Updated:   utcPtr(item.UpdatedParsed),
		Summary:   strings.TrimSpace(item.Description),
	}

	if item.Content != "" {
		normalized.Content = []Content{{
			Value:    item.Content,
			Type:     "text/html",
			Language: language,
		}}
	}

	for _, enclosure := range item.Enclosures {
		if enclosure == nil || enclosure.URL == "" {
			continue
		}
		e := Enclosure{Href: enclosure.URL, Type: enclosure.Type}
		if enclosure.Length != "" {
			if length, err := strconv.ParseInt(enclosure.Length, 10, 64); err == nil {
				e.Length = length
			}
		}
		normalized.Enclosures = append(normalized.Enclosures, e)
	}

	return normalized
}

func joinAuthors(authors []*gofeed.Person, author *gofeed.Person) string {
	var names []string

	if len(authors) > 0 {
		for _, a := range authors {
			if a == nil {
				continue
			}
			if s := formatAuthor(a.Name, a.Email); s != "" {
				names = append(names, s)
			}
		}
	} else if author != nil {
		if s := formatAuthor(author.Name, author.Email); s != "" {
			names = append(names, s)
		}
	}

	return strings.Join(names, ", ")
}

func formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name != "" && email != "" {
		return fmt.Sprintf("%s (%s)", email, name)
	} else if name != "" {
		return name
	} else if email != "" {
		return email
	}

	return ""
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
