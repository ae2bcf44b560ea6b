package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/plugins"
)

// SyncFeedConfigTask makes the stored feed match its subscription file:
// the feed exists, and its user title, tags, updates flag, timeout and
// mark-as-read rules are the ones the file declares.
type SyncFeedConfigTask struct {
	Task
	FeedName   string
	FeedConfig *feed.Config
	store      *database.Store
}

func NewSyncFeedConfigTask(feedConfig *feed.Config, store *database.Store) *SyncFeedConfigTask {
	return &SyncFeedConfigTask{
		Task:       NewTask(TaskTypeSyncFeedConfig, feedConfig.URL),
		FeedName:   feedConfig.Name,
		FeedConfig: feedConfig,
		store:      store,
	}
}

func (t *SyncFeedConfigTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := t.sync(ctx); err != nil {
		slog.Error("Task failed", "type", "SyncFeedConfig", "feed", t.FeedName, "error", err)
		return fmt.Errorf("failed to sync feed config to database: %w", err)
	}

	slog.Info("Task completed",
		"type", "SyncFeedConfig",
		"feed", t.FeedName,
		"url", t.FeedURL,
		"duration", t.GetDuration())

	return nil
}

func (t *SyncFeedConfigTask) sync(ctx context.Context) error {
	cfg := t.FeedConfig

	if err := t.store.AddFeed(ctx, cfg.URL); err != nil && !errors.Is(err, apperr.ErrFeedExists) {
		return err
	}

	stored, err := t.store.GetFeed(ctx, cfg.URL)
	if err != nil {
		return err
	}

	if stored.UserTitle != cfg.Title {
		if err := t.store.SetFeedUserTitle(ctx, cfg.URL, cfg.Title); err != nil {
			return err
		}
	}

	if stored.UpdatesEnabled != cfg.Settings.IsEnabled() {
		if err := t.store.SetFeedUpdatesEnabled(ctx, cfg.URL, cfg.Settings.IsEnabled()); err != nil {
			return err
		}
	}

	for _, tag := range cfg.Tags {
		if !slices.Contains(stored.Tags, tag) {
			if err := t.store.AddFeedTag(ctx, cfg.URL, tag); err != nil {
				return err
			}
		}
	}
	for _, tag := range stored.Tags {
		if !slices.Contains(cfg.Tags, tag) {
			if err := t.store.RemoveFeedTag(ctx, cfg.URL, tag); err != nil {
				return err
			}
		}
	}

	if err := t.syncMetadata(ctx, TimeoutMetadataKey, cfg.Settings.Timeout, cfg.Settings.Timeout > 0); err != nil {
		return err
	}
	return t.syncMetadata(ctx, plugins.MarkAsReadKey, cfg.Filters, len(cfg.Filters) > 0)
}

func (t *SyncFeedConfigTask) syncMetadata(ctx context.Context, key string, value any, set bool) error {
	if set {
		return t.store.SetFeedMetadataItem(ctx, t.FeedURL, key, value)
	}
	return t.store.DeleteFeedMetadataItem(ctx, t.FeedURL, key)
}
