package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lysyi3m/rss-reader/app/apperr"
)

// EntryColumns selects a full entry from entries e joined with feeds f.
const EntryColumns = `e.feed, e.id, e.title, e.link, e.author, e.published, e.updated, e.summary,
	e.content, e.enclosures, e.read, e.read_modified, e.important, e.important_modified,
	e.added_by, e.first_seen, e.sequence, e.content_hash,
	COALESCE(NULLIF(f.user_title, ''), f.title, '')`

// EntryFrom is the FROM clause matching EntryColumns.
const EntryFrom = `entries e JOIN feeds f ON f.url = e.feed`

// ScanEntry reads one row selected with EntryColumns. extra receives any
// columns selected after them.
func ScanEntry(row RowScanner, extra ...any) (*Entry, error) {
	var (
		e                               Entry
		title, link, author, summary    sql.NullString
		content, enclosures, addedBy    string
		published, updated              sql.NullInt64
		readModified, importantModified sql.NullInt64
		important                       sql.NullInt64
		read                            int
		firstSeen                       int64
	)

	dest := []any{
		&e.FeedURL, &e.ID, &title, &link, &author, &published, &updated, &summary,
		&content, &enclosures, &read, &readModified, &important, &importantModified,
		&addedBy, &firstSeen, &e.Sequence, &e.Hash,
		&e.FeedTitle,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.Title = title.String
	e.Link = link.String
	e.Author = author.String
	e.Summary = summary.String
	e.Published = fromNullTime(published)
	e.Updated = fromNullTime(updated)
	e.Read = read != 0
	e.ReadModified = fromNullTime(readModified)
	e.ImportantModified = fromNullTime(importantModified)
	e.AddedBy = AddedBy(addedBy)
	e.FirstSeen = intToTime(firstSeen)

	switch {
	case !important.Valid:
		e.Important = ImportantUnset
	case important.Int64 != 0:
		e.Important = ImportantTrue
	default:
		e.Important = ImportantFalse
	}

	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return nil, fmt.Errorf("failed to decode entry content: %w", err)
	}
	if err := json.Unmarshal([]byte(enclosures), &e.Enclosures); err != nil {
		return nil, fmt.Errorf("failed to decode entry enclosures: %w", err)
	}

	return &e, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryRower, key EntryKey) (*Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+EntryColumns+` FROM `+EntryFrom+` WHERE e.feed = ? AND e.id = ?`,
		key.FeedURL, key.ID)
	e, err := ScanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.EntryNotFound(key.FeedURL, key.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, key EntryKey) (*Entry, error) {
	e, err := getEntry(ctx, s.db, key)
	if err != nil {
		return nil, apperr.Storage("failed to get entry", err)
	}
	return e, nil
}

// GetEntryHashes returns the stored content hash of every entry of the feed.
func (s *Store) GetEntryHashes(ctx context.Context, feedURL string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content_hash FROM entries WHERE feed = ?`, feedURL)
	if err != nil {
		return nil, apperr.Storage("failed to get entry hashes", err)
	}
	defer rows.Close()

	hashes := make(map[string][]byte)
	for rows.Next() {
		var (
			id   string
			hash []byte
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, apperr.Storage("failed to scan entry hash row", err)
		}
		hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating entry hash rows", err)
	}
	return hashes, nil
}

// SetEntryRead sets the read flag. The modified-at timestamp never moves
// backwards, even if the clock does.
func (s *Store) SetEntryRead(ctx context.Context, key EntryKey, read bool) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entries
			SET read = ?, read_modified = MAX(COALESCE(read_modified, 0), ?)
			WHERE feed = ? AND id = ?
		`, boolToInt(read), timeToInt(s.Now()), key.FeedURL, key.ID)
		if err != nil {
			return fmt.Errorf("failed to set entry read: %w", err)
		}
		return expectRow(res, apperr.EntryNotFound(key.FeedURL, key.ID))
	})
}

func (s *Store) SetEntryImportant(ctx context.Context, key EntryKey, important Important) error {
	var value sql.NullInt64
	switch important {
	case ImportantTrue:
		value = sql.NullInt64{Int64: 1, Valid: true}
	case ImportantFalse:
		value = sql.NullInt64{Int64: 0, Valid: true}
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entries
			SET important = ?, important_modified = MAX(COALESCE(important_modified, 0), ?)
			WHERE feed = ? AND id = ?
		`, value, timeToInt(s.Now()), key.FeedURL, key.ID)
		if err != nil {
			return fmt.Errorf("failed to set entry important: %w", err)
		}
		return expectRow(res, apperr.EntryNotFound(key.FeedURL, key.ID))
	})
}

// AddEntry stores an entry created by the user rather than by a feed.
func (s *Store) AddEntry(ctx context.Context, feedURL string, data EntryData) (*Entry, error) {
	var entry *Entry
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := feedExistsTx(ctx, tx, feedURL); err != nil {
			return err
		}

		exists, err := entryExistsTx(ctx, tx, feedURL, data.ID)
		if err != nil {
			return err
		}
		if exists {
			return apperr.EntryExists(feedURL, data.ID)
		}

		if err := s.insertEntryTx(ctx, tx, feedURL, data, AddedByUser); err != nil {
			return err
		}
		if err := s.entriesWritten(ctx, tx, feedURL, []string{data.ID}); err != nil {
			return err
		}

		entry, err = getEntry(ctx, tx, EntryKey{FeedURL: feedURL, ID: data.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.writes.Add(1)
	return entry, nil
}

// DeleteEntry removes a user-added entry. Entries added by a feed cannot be
// deleted; they would come back on the next update.
func (s *Store) DeleteEntry(ctx context.Context, key EntryKey) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var addedBy string
		err := tx.QueryRowContext(ctx, `SELECT added_by FROM entries WHERE feed = ? AND id = ?`,
			key.FeedURL, key.ID).Scan(&addedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.EntryNotFound(key.FeedURL, key.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to get entry: %w", err)
		}

		if AddedBy(addedBy) != AddedByUser {
			return apperr.Permission(key.FeedURL, key.ID, "entry must be added by 'user', got 'feed'")
		}

		if err := s.entriesDeleting(ctx, tx, key.FeedURL, []string{key.ID}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE feed = ? AND id = ?`, key.FeedURL, key.ID); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		return nil
	})
}

func entryExistsTx(ctx context.Context, tx *sql.Tx, feedURL, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE feed = ? AND id = ?`, feedURL, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check entry: %w", err)
	}
	return true, nil
}

func nextSequenceTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE name = 'entry_sequence' RETURNING value
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate entry sequence: %w", err)
	}
	return seq, nil
}

// CurrentSequence returns the highest sequence number handed out so far.
func (s *Store) CurrentSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'entry_sequence'`).Scan(&seq)
	if err != nil {
		return 0, apperr.Storage("failed to get entry sequence", err)
	}
	return seq, nil
}

func encodeEntryData(data EntryData) (content, enclosures string, err error) {
	c := data.Content
	if c == nil {
		c = []Content{}
	}
	encl := data.Enclosures
	if encl == nil {
		encl = []Enclosure{}
	}

	contentJSON, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode entry content: %w", err)
	}
	enclosuresJSON, err := json.Marshal(encl)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode entry enclosures: %w", err)
	}
	return string(contentJSON), string(enclosuresJSON), nil
}

func (s *Store) insertEntryTx(ctx context.Context, tx *sql.Tx, feedURL string, data EntryData, addedBy AddedBy) error {
	content, enclosures, err := encodeEntryData(data)
	if err != nil {
		return err
	}

	seq, err := nextSequenceTx(ctx, tx)
	if err != nil {
		return err
	}

	firstSeen := timeToInt(s.Now())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (
			feed, id, title, link, author, published, updated, summary,
			content, enclosures, added_by, first_seen, sequence, content_hash, sort_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, ?, ?))
	`, feedURL, data.ID, nullString(data.Title), nullString(data.Link), nullString(data.Author),
		nullTime(data.Published), nullTime(data.Updated), nullString(data.Summary),
		content, enclosures, string(addedBy), firstSeen, seq, data.Hash,
		nullTime(data.Published), nullTime(data.Updated), firstSeen)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	return nil
}

// updateEntryTx overwrites the source fields of an existing entry. Read and
// important flags and their timestamps are not touched.
func (s *Store) updateEntryTx(ctx context.Context, tx *sql.Tx, feedURL string, data EntryData) (bool, error) {
	content, enclosures, err := encodeEntryData(data)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE entries
		SET title = ?, link = ?, author = ?, published = ?, updated = ?, summary = ?,
			content = ?, enclosures = ?, content_hash = ?,
			sort_at = COALESCE(?, ?, first_seen)
		WHERE feed = ? AND id = ?
	`, nullString(data.Title), nullString(data.Link), nullString(data.Author),
		nullTime(data.Published), nullTime(data.Updated), nullString(data.Summary),
		content, enclosures, data.Hash,
		nullTime(data.Published), nullTime(data.Updated),
		feedURL, data.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}
