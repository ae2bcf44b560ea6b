package api

import (
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/reader"
	"github.com/lysyi3m/rss-reader/app/tasks"
)

type GeneratorInterface interface {
	Run(feed database.Feed, entries []database.Entry) (string, error)
}

var _ GeneratorInterface = (*feed.Generator)(nil)

type Handler struct {
	reader    *reader.Reader
	generator GeneratorInterface
	scheduler tasks.TaskSchedulerInterface // nil when feeds are not scheduled
	version   string
}

type feedResponse struct {
	URL            string              `json:"url"`
	Title          string              `json:"title"`
	DeclaredTitle  string              `json:"declared_title,omitempty"`
	UserTitle      string              `json:"user_title,omitempty"`
	Link           string              `json:"link,omitempty"`
	Author         string              `json:"author,omitempty"`
	Updated        *time.Time          `json:"updated,omitempty"`
	Tags           []string            `json:"tags"`
	UpdatesEnabled bool                `json:"updates_enabled"`
	Added          time.Time           `json:"added"`
	LastUpdated    *time.Time          `json:"last_updated,omitempty"`
	LastRetrieved  *time.Time          `json:"last_retrieved,omitempty"`
	LastError      *database.FeedError `json:"last_error,omitempty"`
	Updating       bool                `json:"updating"`
}

func newFeedResponse(f database.Feed) feedResponse {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return feedResponse{
		URL:            f.URL,
		Title:          f.ResolvedTitle(),
		DeclaredTitle:  f.Title,
		UserTitle:      f.UserTitle,
		Link:           f.Link,
		Author:         f.Author,
		Updated:        f.Updated,
		Tags:           tags,
		UpdatesEnabled: f.UpdatesEnabled,
		Added:          f.Added,
		LastUpdated:    f.LastUpdated,
		LastRetrieved:  f.LastRetrieved,
		LastError:      f.LastError,
		Updating:       f.Updating,
	}
}

type entryResponse struct {
	Feed              string               `json:"feed"`
	FeedTitle         string               `json:"feed_title,omitempty"`
	ID                string               `json:"id"`
	Title             string               `json:"title"`
	Link              string               `json:"link,omitempty"`
	Author            string               `json:"author,omitempty"`
	Published         *time.Time           `json:"published,omitempty"`
	Updated           *time.Time           `json:"updated,omitempty"`
	Summary           string               `json:"summary,omitempty"`
	Content           []database.Content   `json:"content,omitempty"`
	Enclosures        []database.Enclosure `json:"enclosures,omitempty"`
	Read              bool                 `json:"read"`
	ReadModified      *time.Time           `json:"read_modified,omitempty"`
	Important         database.Important   `json:"important"`
	ImportantModified *time.Time           `json:"important_modified,omitempty"`
	AddedBy           database.AddedBy     `json:"added_by"`
	FirstSeen         time.Time            `json:"first_seen"`
	Score             float64              `json:"score,omitempty"`
	Highlighted       string               `json:"highlighted_title,omitempty"`
}

func newEntryResponse(res reader.Result) entryResponse {
	e := res.Entry
	return entryResponse{
		Feed:              e.FeedURL,
		FeedTitle:         e.FeedTitle,
		ID:                e.ID,
		Title:             e.Title,
		Link:              e.Link,
		Author:            e.Author,
		Published:         e.Published,
		Updated:           e.Updated,
		Summary:           e.Summary,
		Content:           e.Content,
		Enclosures:        e.Enclosures,
		Read:              e.Read,
		ReadModified:      e.ReadModified,
		Important:         e.Important,
		ImportantModified: e.ImportantModified,
		AddedBy:           e.AddedBy,
		FirstSeen:         e.FirstSeen,
		Score:             res.Score,
		Highlighted:       res.Title,
	}
}

type pageResponse struct {
	Entries []entryResponse `json:"entries"`
	Cursor  string          `json:"cursor,omitempty"`
}

type addFeedRequest struct {
	URL   string   `json:"url" binding:"required"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

type updateFeedsRequest struct {
	URLs []string `json:"urls"`
}

type markReadRequest struct {
	Feed string `json:"feed" binding:"required"`
	ID   string `json:"id" binding:"required"`
	Read bool   `json:"read"`
}

type markImportantRequest struct {
	Feed      string `json:"feed" binding:"required"`
	ID        string `json:"id" binding:"required"`
	Important string `json:"important"` // true, false or unset
}
