package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/plugins"
	"github.com/lysyi3m/rss-reader/app/search"
	"github.com/lysyi3m/rss-reader/app/tasks"
)

const (
	DefaultWorkers   = 4
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "RSS-Reader/1.0"
)

type Options struct {
	Retriever feed.Retriever    // Defaults to an HTTPRetriever
	Parser    feed.Parser       // Defaults to the gofeed parser
	Plugins   *plugins.Registry // Notified after every persisted update
	Workers   int               // Concurrent feed updates in UpdateFeeds
	Timeout   time.Duration     // Retrieval timeout for feeds without their own
	UserAgent string
	Clock     func() time.Time
}

// Reader is the handle through which feeds and entries are managed. It is
// safe for concurrent use.
type Reader struct {
	store   *database.Store
	index   *search.Index
	updater *tasks.Updater
	pool    *tasks.Pool
}

// Open opens or creates the database at path. A search index built with an
// older scheme is rebuilt before Open returns.
func Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Retriever == nil {
		opts.Retriever = feed.NewHTTPRetriever(&http.Client{}, opts.UserAgent)
	}
	if opts.Parser == nil {
		opts.Parser = feed.NewGofeedParser()
	}
	if opts.Plugins == nil {
		opts.Plugins = plugins.NewRegistry()
	}

	var storeOpts []database.Option
	if opts.Clock != nil {
		storeOpts = append(storeOpts, database.WithClock(opts.Clock))
	}

	store, err := database.Open(ctx, path, storeOpts...)
	if err != nil {
		return nil, err
	}

	index := search.New(store)
	rebuild, err := index.NeedsRebuild(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	if rebuild {
		slog.Info("Search index scheme changed, rebuilding", "version", search.SchemeVersion)
		if err := index.Rebuild(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to rebuild search index: %w", err)
		}
	}

	updater := tasks.NewUpdater(store, opts.Retriever, opts.Parser, opts.Plugins, opts.Timeout)

	return &Reader{
		store:   store,
		index:   index,
		updater: updater,
		pool:    tasks.NewPool(updater, opts.Workers),
	}, nil
}

func (r *Reader) Close() error {
	return r.store.Close()
}

// Store exposes the entity store to collaborators such as the scheduler.
func (r *Reader) Store() *database.Store {
	return r.store
}

func (r *Reader) Pool() *tasks.Pool {
	return r.pool
}

func (r *Reader) Updater() *tasks.Updater {
	return r.updater
}

// Feeds

func (r *Reader) AddFeed(ctx context.Context, url string) error {
	if err := r.store.AddFeed(ctx, url); err != nil {
		return err
	}
	slog.Info("Feed added", "feed", url)
	return nil
}

// DeleteFeed removes the feed with its entries, tags, metadata and search
// documents.
func (r *Reader) DeleteFeed(ctx context.Context, url string) error {
	if err := r.store.DeleteFeed(ctx, url); err != nil {
		return err
	}
	slog.Info("Feed deleted", "feed", url)
	return nil
}

func (r *Reader) ChangeFeedURL(ctx context.Context, oldURL, newURL string) error {
	if err := r.store.ChangeFeedURL(ctx, oldURL, newURL); err != nil {
		return err
	}
	slog.Info("Feed URL changed", "feed", oldURL, "url", newURL)
	return nil
}

func (r *Reader) GetFeed(ctx context.Context, url string) (*database.Feed, error) {
	return r.store.GetFeed(ctx, url)
}

func (r *Reader) GetFeeds(ctx context.Context, filter database.FeedFilter) ([]database.Feed, error) {
	return r.store.GetFeeds(ctx, filter)
}

func (r *Reader) GetFeedCounts(ctx context.Context, filter database.FeedFilter) (database.FeedCounts, error) {
	return r.store.GetFeedCounts(ctx, filter)
}

func (r *Reader) SetFeedUserTitle(ctx context.Context, url, title string) error {
	return r.store.SetFeedUserTitle(ctx, url, title)
}

func (r *Reader) SetFeedUpdatesEnabled(ctx context.Context, url string, enabled bool) error {
	return r.store.SetFeedUpdatesEnabled(ctx, url, enabled)
}

func (r *Reader) AddFeedTag(ctx context.Context, url, tag string) error {
	return r.store.AddFeedTag(ctx, url, tag)
}

func (r *Reader) RemoveFeedTag(ctx context.Context, url, tag string) error {
	return r.store.RemoveFeedTag(ctx, url, tag)
}

func (r *Reader) GetFeedTags(ctx context.Context, url string) ([]string, error) {
	if _, err := r.store.GetFeed(ctx, url); err != nil {
		return nil, err
	}
	return r.store.GetFeedTags(ctx, url)
}

func (r *Reader) GetTags(ctx context.Context) ([]string, error) {
	return r.store.GetTags(ctx)
}

func (r *Reader) GetFeedMetadata(ctx context.Context, url string) (map[string]json.RawMessage, error) {
	return r.store.GetFeedMetadata(ctx, url)
}

func (r *Reader) GetFeedMetadataItem(ctx context.Context, url, key string, dst any) (bool, error) {
	if _, err := r.store.GetFeed(ctx, url); err != nil {
		return false, err
	}
	return r.store.GetFeedMetadataItem(ctx, url, key, dst)
}

func (r *Reader) SetFeedMetadataItem(ctx context.Context, url, key string, value any) error {
	return r.store.SetFeedMetadataItem(ctx, url, key, value)
}

func (r *Reader) DeleteFeedMetadataItem(ctx context.Context, url, key string) error {
	return r.store.DeleteFeedMetadataItem(ctx, url, key)
}

// Updates

// UpdateFeeds updates urls, or every feed with updates enabled when urls is
// empty. A failing feed does not fail the call; its outcome carries the
// error and the feed records it.
func (r *Reader) UpdateFeeds(ctx context.Context, urls []string) ([]tasks.Outcome, error) {
	if len(urls) == 0 {
		enabled := true
		feeds, err := r.store.GetFeeds(ctx, database.FeedFilter{UpdatesEnabled: &enabled})
		if err != nil {
			return nil, err
		}
		for _, f := range feeds {
			urls = append(urls, f.URL)
		}
	}
	return r.pool.Run(ctx, urls), nil
}

// UpdateFeed updates a single feed. Unlike UpdateFeeds it returns the
// feed's error.
func (r *Reader) UpdateFeed(ctx context.Context, url string) (tasks.Outcome, error) {
	task := tasks.NewUpdateFeedTask(url, r.updater)
	task.Start()
	err := task.Execute(ctx)
	return task.Outcome(), err
}

// Entries

func (r *Reader) GetEntry(ctx context.Context, key database.EntryKey) (*database.Entry, error) {
	return r.store.GetEntry(ctx, key)
}

func (r *Reader) GetEntryCounts(ctx context.Context, filter database.EntryFilter) (database.EntryCounts, error) {
	return r.store.GetEntryCounts(ctx, filter)
}

func (r *Reader) MarkEntryRead(ctx context.Context, key database.EntryKey, read bool) error {
	return r.store.SetEntryRead(ctx, key, read)
}

func (r *Reader) MarkEntryImportant(ctx context.Context, key database.EntryKey, important database.Important) error {
	return r.store.SetEntryImportant(ctx, key, important)
}

// AddEntry adds a user entry to an existing feed. Entries without an id get
// the same derived id a feed item with that title and link would get.
func (r *Reader) AddEntry(ctx context.Context, feedURL string, item feed.Item) (*database.Entry, error) {
	entry, err := r.store.AddEntry(ctx, feedURL, item.EntryData())
	if err != nil {
		return nil, err
	}
	slog.Info("Entry added", "feed", feedURL, "id", entry.ID)
	return entry, nil
}

// DeleteEntry deletes a user entry. Entries that came from the feed cannot
// be deleted.
func (r *Reader) DeleteEntry(ctx context.Context, key database.EntryKey) error {
	if err := r.store.DeleteEntry(ctx, key); err != nil {
		return err
	}
	slog.Info("Entry deleted", "feed", key.FeedURL, "id", key.ID)
	return nil
}

// Search

func (r *Reader) EnableSearch(ctx context.Context) error {
	if err := r.index.Enable(ctx); err != nil {
		return err
	}
	slog.Info("Search enabled")
	return nil
}

func (r *Reader) DisableSearch(ctx context.Context) error {
	if err := r.index.Disable(ctx); err != nil {
		return err
	}
	slog.Info("Search disabled")
	return nil
}

func (r *Reader) SearchEnabled(ctx context.Context) (bool, error) {
	return r.index.IsEnabled(ctx)
}

// UpdateSearch rebuilds the search index from the stored entries.
func (r *Reader) UpdateSearch(ctx context.Context) error {
	started := time.Now()
	if err := r.index.Rebuild(ctx); err != nil {
		return err
	}
	slog.Info("Search index rebuilt", "duration", time.Since(started))
	return nil
}

func (r *Reader) SearchEntryCounts(ctx context.Context, query string, filter database.EntryFilter) (database.EntryCounts, error) {
	return r.index.Counts(ctx, query, filter)
}
