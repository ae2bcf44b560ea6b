package feed

import (
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
)

// Fetch and parse collaborator types

type Validators struct {
	ETag         string
	LastModified string
	CacheToken   string
}

type Retrieved struct {
	NotModified bool
	Body        []byte
	ContentType string
	Validators  Validators
	// Document is set by retrievers that parse as they fetch; the parser is
	// skipped for such results.
	Document *Document
}

type Document struct {
	Title   string
	Link    string
	Author  string
	Updated *time.Time
	Items   []Item
}

type Content = database.Content

type Enclosure = database.Enclosure

type Item struct {
	ID         string // Declared id; empty when the feed has none
	Title      string
	Link       string
	Author     string
	Published  *time.Time
	Updated    *time.Time
	Summary    string
	Content    []Content
	Enclosures []Enclosure
}

// Configuration types

type Config struct {
	Name     string         // Derived from filename (without .yml extension)
	URL      string         `yaml:"url"`
	Title    string         `yaml:"title"`
	Tags     []string       `yaml:"tags"`
	Settings ConfigSettings `yaml:"settings"`
	Filters  []ConfigFilter `yaml:"filters"`
}

type ConfigSettings struct {
	Enabled *bool `yaml:"enabled"` // Defaults to true
	Timeout int   `yaml:"timeout"` // seconds, 0 uses the global timeout
}

func (s ConfigSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ConfigFilter is one include/exclude rule. Entries of the feed that match
// the rules are marked as read when they first arrive.
type ConfigFilter struct {
	Field    string   `yaml:"field" json:"field"`
	Includes []string `yaml:"includes" json:"includes,omitempty"`
	Excludes []string `yaml:"excludes" json:"excludes,omitempty"`
}
