package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-reader/app/apperr"
)

// ApplyUpdate persists the result of one successful feed update in a single
// transaction: new and changed entries, the feed's declared attributes, its
// validators and its last-updated time. Registered hooks run inside the same
// transaction. Nothing is written if any step fails.
//
// Entries are inserted or overwritten according to what is stored when the
// transaction runs, so a diff computed against an older snapshot still
// never duplicates an entry.
func (s *Store) ApplyUpdate(ctx context.Context, update FeedUpdate, diffs []EntryDiff) (UpdateResult, error) {
	var result UpdateResult

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		result = UpdateResult{}

		var oldTitle, oldUserTitle sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT title, user_title FROM feeds WHERE url = ?`, update.URL).
			Scan(&oldTitle, &oldUserTitle)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.FeedNotFound(update.URL)
		}
		if err != nil {
			return fmt.Errorf("failed to get feed: %w", err)
		}

		var newIDs, updatedIDs []string
		for _, d := range diffs {
			exists, err := entryExistsTx(ctx, tx, update.URL, d.Entry.ID)
			if err != nil {
				return err
			}
			if exists == d.New {
				slog.Debug("Entry changed since diff", "feed", update.URL, "id", d.Entry.ID, "new", d.New)
			}

			if exists {
				if _, err := s.updateEntryTx(ctx, tx, update.URL, d.Entry); err != nil {
					return err
				}
				updatedIDs = append(updatedIDs, d.Entry.ID)
			} else {
				if err := s.insertEntryTx(ctx, tx, update.URL, d.Entry, AddedByFeed); err != nil {
					return err
				}
				newIDs = append(newIDs, d.Entry.ID)
			}
		}
		result.New, result.Updated = len(newIDs), len(updatedIDs)
		ids := append(newIDs, updatedIDs...)

		now := timeToInt(s.Now())
		_, err = tx.ExecContext(ctx, `
			UPDATE feeds
			SET title = ?, link = ?, author = ?, updated = ?,
				etag = ?, last_modified = ?, cache_token = ?,
				last_updated = ?, last_retrieved = ?, stale = 0,
				last_error_kind = NULL, last_error_message = NULL, last_error_at = NULL
			WHERE url = ?
		`, nullString(update.Title), nullString(update.Link), nullString(update.Author), nullTime(update.Updated),
			nullString(update.ETag), nullString(update.LastModified), nullString(update.CacheToken),
			now, timeToInt(update.RetrievedAt), update.URL)
		if err != nil {
			return fmt.Errorf("failed to update feed: %w", err)
		}

		if err := s.entriesWritten(ctx, tx, update.URL, ids); err != nil {
			return err
		}

		if oldUserTitle.String == "" && oldTitle.String != update.Title {
			if err := s.feedChanged(ctx, tx, update.URL); err != nil {
				return err
			}
		}

		result.Entries = make([]Entry, 0, len(ids))
		for _, id := range ids {
			e, err := getEntry(ctx, tx, EntryKey{FeedURL: update.URL, ID: id})
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, *e)
		}

		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}

	s.writes.Add(int64(result.New + result.Updated))
	return result, nil
}
