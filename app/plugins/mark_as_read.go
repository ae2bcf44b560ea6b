package plugins

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
)

// MarkAsReadKey is the feed metadata key holding the feed's filter rules.
const MarkAsReadKey = "mark-as-read"

// MarkAsRead marks new entries as read when they match the filter rules
// stored in the feed's metadata.
type MarkAsRead struct {
	store    *database.Store
	filterer *feed.Filterer
}

func NewMarkAsRead(store *database.Store, filterer *feed.Filterer) *MarkAsRead {
	return &MarkAsRead{
		store:    store,
		filterer: filterer,
	}
}

func (p *MarkAsRead) EntriesPersisted(ctx context.Context, feedURL string, result database.UpdateResult) error {
	var filters []feed.ConfigFilter
	ok, err := p.store.GetFeedMetadataItem(ctx, feedURL, MarkAsReadKey, &filters)
	if err != nil {
		return fmt.Errorf("failed to get filter rules: %w", err)
	}
	if !ok || len(filters) == 0 {
		return nil
	}

	marked := 0
	for _, entry := range result.NewEntries() {
		matched, reason := p.filterer.Match(entry, filters)
		if !matched {
			continue
		}

		if err := p.store.SetEntryRead(ctx, entry.Key(), true); err != nil {
			return fmt.Errorf("failed to mark entry as read: %w", err)
		}
		marked++

		slog.Debug("Entry marked as read", "feed", feedURL, "id", entry.ID, "reason", reason)
	}

	if marked > 0 {
		slog.Info("Entries marked as read by filter", "feed", feedURL, "count", marked)
	}

	return nil
}
