package database

import (
	"fmt"
	"strings"
	"time"
)

// Important is the tri-state important flag of an entry. The zero value is
// ImportantUnset, which is distinct from an explicit ImportantFalse.
type Important int8

const (
	ImportantUnset Important = iota
	ImportantFalse
	ImportantTrue
)

func (i Important) String() string {
	switch i {
	case ImportantFalse:
		return "false"
	case ImportantTrue:
		return "true"
	default:
		return "unset"
	}
}

func (i Important) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Important) UnmarshalText(text []byte) error {
	v, err := ParseImportant(string(text))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func ParseImportant(s string) (Important, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unset", "none", "null":
		return ImportantUnset, nil
	case "false", "0", "no":
		return ImportantFalse, nil
	case "true", "1", "yes":
		return ImportantTrue, nil
	default:
		return ImportantUnset, fmt.Errorf("invalid important value: %q", s)
	}
}

type AddedBy string

const (
	AddedByFeed AddedBy = "feed"
	AddedByUser AddedBy = "user"
)

type Feed struct {
	URL            string
	Title          string // Declared by the feed document
	Link           string
	Author         string
	Updated        *time.Time
	UserTitle      string
	Tags           []string
	UpdatesEnabled bool
	Added          time.Time
	LastUpdated    *time.Time // Last successful update that parsed a document
	LastRetrieved  *time.Time // Last retrieval attempt that reached the server, including not-modified
	ETag           string
	LastModified   string
	CacheToken     string
	LastError      *FeedError
	Updating       bool
	Stale          bool
}

// ResolvedTitle is the user title when set, else the declared title.
func (f Feed) ResolvedTitle() string {
	if f.UserTitle != "" {
		return f.UserTitle
	}
	return f.Title
}

type FeedError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Content struct {
	Value    string `json:"value"`
	Type     string `json:"type,omitempty"`
	Language string `json:"language,omitempty"`
}

type Enclosure struct {
	Href   string `json:"href"`
	Type   string `json:"type,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// EntryData holds the fields of an entry that come from its source and
// are overwritten when the source changes.
type EntryData struct {
	ID         string
	Title      string
	Link       string
	Author     string
	Published  *time.Time
	Updated    *time.Time
	Summary    string
	Content    []Content
	Enclosures []Enclosure
	Hash       []byte
}

type Entry struct {
	FeedURL string
	EntryData

	Read              bool
	ReadModified      *time.Time
	Important         Important
	ImportantModified *time.Time
	AddedBy           AddedBy
	FirstSeen         time.Time
	Sequence          int64

	FeedTitle string // Resolved title of the owning feed
}

type EntryKey struct {
	FeedURL string `json:"feed"`
	ID      string `json:"id"`
}

func (e Entry) Key() EntryKey {
	return EntryKey{FeedURL: e.FeedURL, ID: e.ID}
}

// SortAt is the primary ordering key: published, else updated, else
// first seen.
func (e Entry) SortAt() time.Time {
	if e.Published != nil {
		return *e.Published
	}
	if e.Updated != nil {
		return *e.Updated
	}
	return e.FirstSeen
}

// FeedUpdate carries the feed-level results of a successful retrieval and
// parse into ApplyUpdate.
type FeedUpdate struct {
	URL          string
	Title        string
	Link         string
	Author       string
	Updated      *time.Time
	ETag         string
	LastModified string
	CacheToken   string
	RetrievedAt  time.Time
}

// EntryDiff is one entry to write. New entries are inserted with a fresh
// sequence number; the rest overwrite the stored source fields only.
type EntryDiff struct {
	Entry EntryData
	New   bool
}

type UpdateResult struct {
	New     int
	Updated int
	Entries []Entry // New entries, then updated ones, as persisted
}

func (r UpdateResult) NewEntries() []Entry {
	return r.Entries[:r.New]
}

func (r UpdateResult) UpdatedEntries() []Entry {
	return r.Entries[r.New:]
}

type FeedCounts struct {
	Total          int `json:"total"`
	Broken         int `json:"broken"`
	UpdatesEnabled int `json:"updates_enabled"`
}

// EntryCounts.Unimportant counts entries explicitly marked not important.
type EntryCounts struct {
	Total         int `json:"total"`
	Read          int `json:"read"`
	Important     int `json:"important"`
	Unimportant   int `json:"unimportant"`
	HasEnclosures int `json:"has_enclosures"`
}
