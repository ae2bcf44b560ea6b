package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
)

type FeedSort string

const (
	FeedSortTitle FeedSort = "title"
	FeedSortAdded FeedSort = "added"
)

// FeedFilter selects feeds; zero fields do not filter.
type FeedFilter struct {
	URL             string
	Tag             string
	Broken          *bool
	UpdatesEnabled  *bool
	RetrievedBefore *time.Time // Never-retrieved feeds always match
	Sort            FeedSort
}

const feedColumns = `url, title, link, author, updated, user_title, updates_enabled, added,
	last_updated, last_retrieved, etag, last_modified, cache_token,
	last_error_kind, last_error_message, last_error_at, updating, stale`

func scanFeed(row RowScanner) (*Feed, error) {
	var (
		f                                          Feed
		title, link, author, userTitle             sql.NullString
		etag, lastModified, cacheToken             sql.NullString
		errKind, errMessage                        sql.NullString
		updated, lastUpdated, lastRetrieved, errAt sql.NullInt64
		added                                      int64
		updatesEnabled, updating, stale            int
	)

	err := row.Scan(
		&f.URL, &title, &link, &author, &updated, &userTitle, &updatesEnabled, &added,
		&lastUpdated, &lastRetrieved, &etag, &lastModified, &cacheToken,
		&errKind, &errMessage, &errAt, &updating, &stale,
	)
	if err != nil {
		return nil, err
	}

	f.Title = title.String
	f.Link = link.String
	f.Author = author.String
	f.Updated = fromNullTime(updated)
	f.UserTitle = userTitle.String
	f.UpdatesEnabled = updatesEnabled != 0
	f.Added = intToTime(added)
	f.LastUpdated = fromNullTime(lastUpdated)
	f.LastRetrieved = fromNullTime(lastRetrieved)
	f.ETag = etag.String
	f.LastModified = lastModified.String
	f.CacheToken = cacheToken.String
	f.Updating = updating != 0
	f.Stale = stale != 0

	if errKind.Valid {
		f.LastError = &FeedError{Kind: errKind.String, Message: errMessage.String}
		if t := fromNullTime(errAt); t != nil {
			f.LastError.At = *t
		}
	}

	return &f, nil
}

func (s *Store) AddFeed(ctx context.Context, url string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO feeds (url, added) VALUES (?, ?)
			ON CONFLICT (url) DO NOTHING
		`, url, timeToInt(s.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert feed: %w", err)
		}
		return expectRow(res, apperr.FeedExists(url))
	})
}

// DeleteFeed removes the feed together with its entries, tags, metadata and
// search documents.
func (s *Store) DeleteFeed(ctx context.Context, url string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		if err := s.entriesDeleting(ctx, tx, url, nil); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE url = ?`, url); err != nil {
			return fmt.Errorf("failed to delete feed: %w", err)
		}
		return nil
	})
}

func feedExistsTx(ctx context.Context, tx *sql.Tx, url string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM feeds WHERE url = ?`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.FeedNotFound(url)
	}
	if err != nil {
		return fmt.Errorf("failed to check feed: %w", err)
	}
	return nil
}

func (s *Store) GetFeed(ctx context.Context, url string) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.FeedNotFound(url)
	}
	if err != nil {
		return nil, apperr.Storage("failed to get feed", err)
	}

	tags, err := s.GetFeedTags(ctx, url)
	if err != nil {
		return nil, err
	}
	f.Tags = tags

	return f, nil
}

func (s *Store) GetFeeds(ctx context.Context, filter FeedFilter) ([]Feed, error) {
	var (
		where []string
		args  []any
	)

	if filter.URL != "" {
		where = append(where, "url = ?")
		args = append(args, filter.URL)
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM feed_tags t WHERE t.feed = feeds.url AND t.tag = ?)")
		args = append(args, filter.Tag)
	}
	if filter.Broken != nil {
		if *filter.Broken {
			where = append(where, "last_error_kind IS NOT NULL")
		} else {
			where = append(where, "last_error_kind IS NULL")
		}
	}
	if filter.UpdatesEnabled != nil {
		where = append(where, "updates_enabled = ?")
		args = append(args, boolToInt(*filter.UpdatesEnabled))
	}
	if filter.RetrievedBefore != nil {
		where = append(where, "(last_retrieved IS NULL OR last_retrieved <= ?)")
		args = append(args, timeToInt(*filter.RetrievedBefore))
	}

	query := `SELECT ` + feedColumns + ` FROM feeds`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	switch filter.Sort {
	case FeedSortAdded:
		query += " ORDER BY added DESC, url"
	default:
		query += " ORDER BY lower(COALESCE(NULLIF(user_title, ''), title, '')), url"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("failed to get feeds", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, apperr.Storage("failed to scan feed row", err)
		}
		feeds = append(feeds, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating feed rows", err)
	}

	tags, err := s.allFeedTags(ctx)
	if err != nil {
		return nil, err
	}
	for i := range feeds {
		feeds[i].Tags = tags[feeds[i].URL]
	}

	return feeds, nil
}

func (s *Store) GetFeedCounts(ctx context.Context, filter FeedFilter) (FeedCounts, error) {
	feeds, err := s.GetFeeds(ctx, filter)
	if err != nil {
		return FeedCounts{}, err
	}

	var counts FeedCounts
	for _, f := range feeds {
		counts.Total++
		if f.LastError != nil {
			counts.Broken++
		}
		if f.UpdatesEnabled {
			counts.UpdatesEnabled++
		}
	}
	return counts, nil
}

func (s *Store) SetFeedUserTitle(ctx context.Context, url, title string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE feeds SET user_title = ? WHERE url = ?`, nullString(title), url)
		if err != nil {
			return fmt.Errorf("failed to set feed user title: %w", err)
		}
		if err := expectRow(res, apperr.FeedNotFound(url)); err != nil {
			return err
		}
		return s.feedChanged(ctx, tx, url)
	})
}

func (s *Store) SetFeedUpdatesEnabled(ctx context.Context, url string, enabled bool) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE feeds SET updates_enabled = ? WHERE url = ?`, boolToInt(enabled), url)
		if err != nil {
			return fmt.Errorf("failed to set feed updates enabled: %w", err)
		}
		return expectRow(res, apperr.FeedNotFound(url))
	})
}

// ChangeFeedURL moves a feed and everything that belongs to it to newURL.
// The feed is marked stale so the next retrieval ignores its validators.
func (s *Store) ChangeFeedURL(ctx context.Context, oldURL, newURL string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, oldURL); err != nil {
			return err
		}
		if err := feedExistsTx(ctx, tx, newURL); err == nil {
			return apperr.FeedExists(newURL)
		} else if !apperr.IsFeedNotFound(err) {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE feeds
			SET url = ?, stale = 1, last_error_kind = NULL, last_error_message = NULL, last_error_at = NULL
			WHERE url = ?
		`, newURL, oldURL)
		if err != nil {
			return fmt.Errorf("failed to change feed URL: %w", err)
		}
		return nil
	})
}

func (s *Store) AddFeedTag(ctx context.Context, url, tag string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO feed_tags (feed, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`, url, tag)
		if err != nil {
			return fmt.Errorf("failed to add feed tag: %w", err)
		}
		return nil
	})
}

func (s *Store) RemoveFeedTag(ctx context.Context, url, tag string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feed_tags WHERE feed = ? AND tag = ?`, url, tag); err != nil {
			return fmt.Errorf("failed to remove feed tag: %w", err)
		}
		return nil
	})
}

func (s *Store) GetFeedTags(ctx context.Context, url string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM feed_tags WHERE feed = ? ORDER BY tag`, url)
	if err != nil {
		return nil, apperr.Storage("failed to get feed tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, apperr.Storage("failed to scan tag row", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating tag rows", err)
	}
	return tags, nil
}

// GetTags returns every tag in use, sorted.
func (s *Store) GetTags(ctx context.Context) ([]string, error) {
	all, err := s.allFeedTags(ctx)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, feedTags := range all {
		for _, tag := range feedTags {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
	}
	slices.Sort(tags)
	return tags, nil
}

func (s *Store) allFeedTags(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feed, tag FROM feed_tags ORDER BY feed, tag`)
	if err != nil {
		return nil, apperr.Storage("failed to get feed tags", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var feed, tag string
		if err := rows.Scan(&feed, &tag); err != nil {
			return nil, apperr.Storage("failed to scan tag row", err)
		}
		tags[feed] = append(tags[feed], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating tag rows", err)
	}
	return tags, nil
}

// ClaimFeedForUpdate sets the update-in-progress flag. It reports false
// when another worker already holds the claim.
func (s *Store) ClaimFeedForUpdate(ctx context.Context, url string) (bool, error) {
	var claimed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE feeds SET updating = 1 WHERE url = ? AND updating = 0`, url)
		if err != nil {
			return fmt.Errorf("failed to claim feed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

func (s *Store) ReleaseFeed(ctx context.Context, url string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE feeds SET updating = 0 WHERE url = ?`, url); err != nil {
			return fmt.Errorf("failed to release feed: %w", err)
		}
		return nil
	})
}

// MarkFeedNotModified records a retrieval that found nothing new. Entries
// and validators are left alone.
func (s *Store) MarkFeedNotModified(ctx context.Context, url string, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE feeds
			SET last_retrieved = ?, last_error_kind = NULL, last_error_message = NULL, last_error_at = NULL
			WHERE url = ?
		`, timeToInt(at), url)
		if err != nil {
			return fmt.Errorf("failed to mark feed not modified: %w", err)
		}
		return expectRow(res, apperr.FeedNotFound(url))
	})
}

// RecordFeedError stores the failure of an update attempt. The attempt
// counts as a retrieval, so the feed waits a full refresh interval before
// the scheduler picks it again.
func (s *Store) RecordFeedError(ctx context.Context, url string, feedErr FeedError) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE feeds
			SET last_error_kind = ?, last_error_message = ?, last_error_at = ?, last_retrieved = ?
			WHERE url = ?
		`, feedErr.Kind, feedErr.Message, timeToInt(feedErr.At), timeToInt(feedErr.At), url)
		if err != nil {
			return fmt.Errorf("failed to record feed error: %w", err)
		}
		return expectRow(res, apperr.FeedNotFound(url))
	})
}

// Feed metadata values are stored as JSON.

func (s *Store) GetFeedMetadata(ctx context.Context, url string) (map[string]json.RawMessage, error) {
	if _, err := s.GetFeed(ctx, url); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM feed_metadata WHERE feed = ? ORDER BY key`, url)
	if err != nil {
		return nil, apperr.Storage("failed to get feed metadata", err)
	}
	defer rows.Close()

	metadata := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, apperr.Storage("failed to scan metadata row", err)
		}
		metadata[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating metadata rows", err)
	}
	return metadata, nil
}

// GetFeedMetadataItem decodes the value stored under key into dst. It
// reports false when the key is not set.
func (s *Store) GetFeedMetadataItem(ctx context.Context, url, key string, dst any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE feed = ? AND key = ?`, url, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("failed to get feed metadata item", err)
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to decode feed metadata %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) SetFeedMetadataItem(ctx context.Context, url, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode feed metadata %q: %w", key, err)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feed_metadata (feed, key, value) VALUES (?, ?, ?)
			ON CONFLICT (feed, key) DO UPDATE SET value = excluded.value
		`, url, key, string(data))
		if err != nil {
			return fmt.Errorf("failed to set feed metadata: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteFeedMetadataItem(ctx context.Context, url, key string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, url); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feed_metadata WHERE feed = ? AND key = ?`, url, key); err != nil {
			return fmt.Errorf("failed to delete feed metadata: %w", err)
		}
		return nil
	})
}
