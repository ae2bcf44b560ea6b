package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// SchemeVersion identifies how documents are prepared. An index built with
// another version needs a Rebuild.
const SchemeVersion = 1

const (
	schemeSettingKey = "search_scheme_version"
	batchSize        = 500
)

const createTable = `CREATE VIRTUAL TABLE entries_search USING fts5(
	title, summary, content, feed,
	tokenize = 'unicode61 remove_diacritics 2'
)`

// Index keeps an FTS5 table in step with the entries table. Documents share
// the rowid of their entry row; rowids survive feed URL changes because the
// cascade updates rows in place.
//
// Lock order is the store's write lock, then mu. Rebuild holds mu
// exclusively; hooks and queries hold it shared.
type Index struct {
	store  *database.Store
	mu     sync.RWMutex
	policy *bluemonday.Policy
}

// New returns the index for store and registers it so every store
// transaction keeps the documents current.
func New(store *database.Store) *Index {
	idx := &Index{
		store:  store,
		policy: bluemonday.StrictPolicy(),
	}
	store.AddTxHook(idx)
	return idx
}

func (idx *Index) IsEnabled(ctx context.Context) (bool, error) {
	enabled, err := tableExists(ctx, idx.store.DB())
	if err != nil {
		return false, apperr.Storage("failed to check search table", err)
	}
	return enabled, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q queryer) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'entries_search'`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NeedsRebuild reports whether the index is enabled but was built with
// another SchemeVersion.
func (idx *Index) NeedsRebuild(ctx context.Context) (bool, error) {
	enabled, err := idx.IsEnabled(ctx)
	if err != nil || !enabled {
		return false, err
	}

	value, ok, err := idx.store.GetSetting(ctx, schemeSettingKey)
	if err != nil {
		return false, err
	}
	return !ok || value != strconv.Itoa(SchemeVersion), nil
}

// Enable creates and fills the index. Enabling an enabled index does nothing.
func (idx *Index) Enable(ctx context.Context) error {
	return idx.store.WithTx(ctx, func(tx *sql.Tx) error {
		idx.mu.Lock()
		defer idx.mu.Unlock()

		enabled, err := tableExists(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to check search table: %w", err)
		}
		if enabled {
			return nil
		}

		return idx.buildTx(ctx, tx)
	})
}

func (idx *Index) Disable(ctx context.Context) error {
	return idx.store.WithTx(ctx, func(tx *sql.Tx) error {
		idx.mu.Lock()
		defer idx.mu.Unlock()

		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS entries_search`); err != nil {
			return fmt.Errorf("failed to drop search table: %w", err)
		}
		return database.DeleteSettingTx(ctx, tx, schemeSettingKey)
	})
}

// Rebuild recreates every document from the entries table. The result
// depends only on store contents.
func (idx *Index) Rebuild(ctx context.Context) error {
	return idx.store.WithTx(ctx, func(tx *sql.Tx) error {
		idx.mu.Lock()
		defer idx.mu.Unlock()

		enabled, err := tableExists(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to check search table: %w", err)
		}
		if !enabled {
			return apperr.New(apperr.KindSearchNotEnabled, "", "", nil)
		}

		if _, err := tx.ExecContext(ctx, `DROP TABLE entries_search`); err != nil {
			return fmt.Errorf("failed to drop search table: %w", err)
		}
		return idx.buildTx(ctx, tx)
	})
}

func (idx *Index) buildTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create search table: %w", err)
	}

	count := 0
	var lastFeed, lastID string
	for {
		docs, err := idx.loadDocs(ctx, tx, `(e.feed, e.id) > (?, ?) ORDER BY e.feed, e.id LIMIT ?`,
			lastFeed, lastID, batchSize)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			break
		}

		if err := insertDocs(ctx, tx, docs); err != nil {
			return err
		}

		count += len(docs)
		lastFeed, lastID = docs[len(docs)-1].feedURL, docs[len(docs)-1].id
	}

	if err := database.SetSettingTx(ctx, tx, schemeSettingKey, strconv.Itoa(SchemeVersion)); err != nil {
		return err
	}

	slog.Info("Search index built", "documents", count, "scheme_version", SchemeVersion)
	return nil
}

// Index refreshes the document of one entry.
func (idx *Index) Index(ctx context.Context, key database.EntryKey) error {
	return idx.store.WithTx(ctx, func(tx *sql.Tx) error {
		return idx.IndexTx(ctx, tx, key.FeedURL, []string{key.ID})
	})
}

// Remove drops the document of one entry.
func (idx *Index) Remove(ctx context.Context, key database.EntryKey) error {
	return idx.store.WithTx(ctx, func(tx *sql.Tx) error {
		return idx.RemoveTx(ctx, tx, key.FeedURL, []string{key.ID})
	})
}

// IndexTx refreshes the documents of the given entries inside tx. It does
// nothing while the index is disabled.
func (idx *Index) IndexTx(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	enabled, err := tableExists(ctx, tx)
	if err != nil || !enabled {
		return err
	}

	for start := 0; start < len(ids); start += batchSize {
		chunk := ids[start:min(start+batchSize, len(ids))]

		if err := deleteDocs(ctx, tx, feedURL, chunk); err != nil {
			return err
		}

		cond, args := inList("e.id", chunk)
		docs, err := idx.loadDocs(ctx, tx, `e.feed = ? AND `+cond, append([]any{feedURL}, args...)...)
		if err != nil {
			return err
		}
		if err := insertDocs(ctx, tx, docs); err != nil {
			return err
		}
	}

	return nil
}

// RemoveTx drops documents inside tx. A nil ids slice removes every
// document of the feed.
func (idx *Index) RemoveTx(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	enabled, err := tableExists(ctx, tx)
	if err != nil || !enabled {
		return err
	}

	if ids == nil {
		return deleteDocs(ctx, tx, feedURL, nil)
	}
	for start := 0; start < len(ids); start += batchSize {
		if err := deleteDocs(ctx, tx, feedURL, ids[start:min(start+batchSize, len(ids))]); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) EntriesWritten(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	return idx.IndexTx(ctx, tx, feedURL, ids)
}

func (idx *Index) EntriesDeleting(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	return idx.RemoveTx(ctx, tx, feedURL, ids)
}

// FeedChanged rewrites the feed title column of the feed's documents.
func (idx *Index) FeedChanged(ctx context.Context, tx *sql.Tx, feedURL string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	enabled, err := tableExists(ctx, tx)
	if err != nil || !enabled {
		return err
	}

	var title string
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(NULLIF(user_title, ''), title, '') FROM feeds WHERE url = ?`, feedURL).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get feed title: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE entries_search SET feed = ?
		WHERE rowid IN (SELECT rowid FROM entries WHERE feed = ?)
	`, idx.prepareText(title), feedURL)
	if err != nil {
		return fmt.Errorf("failed to update search documents: %w", err)
	}
	return nil
}

type document struct {
	rowid   int64
	feedURL string
	id      string
	title   string
	summary string
	content string
	feed    string
}

func (idx *Index) loadDocs(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]document, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+database.EntryColumns+`, e.rowid FROM `+database.EntryFrom+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for search: %w", err)
	}
	defer rows.Close()

	var docs []document
	for rows.Next() {
		var rowid int64
		e, err := database.ScanEntry(rows, &rowid)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry for search: %w", err)
		}

		contents := make([]string, 0, len(e.Content))
		for _, c := range e.Content {
			contents = append(contents, idx.prepareText(c.Value))
		}

		docs = append(docs, document{
			rowid:   rowid,
			feedURL: e.FeedURL,
			id:      e.ID,
			title:   idx.prepareText(e.Title),
			summary: idx.prepareText(e.Summary),
			content: strings.Join(contents, "\n"),
			feed:    idx.prepareText(e.FeedTitle),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries for search: %w", err)
	}

	return docs, nil
}

func insertDocs(ctx context.Context, tx *sql.Tx, docs []document) error {
	if len(docs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries_search (rowid, title, summary, content, feed) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare search insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, d.rowid, d.title, d.summary, d.content, d.feed); err != nil {
			return fmt.Errorf("failed to insert search document: %w", err)
		}
	}
	return nil
}

func deleteDocs(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	query := `DELETE FROM entries_search WHERE rowid IN (SELECT rowid FROM entries e WHERE e.feed = ?`
	args := []any{feedURL}
	if ids != nil {
		cond, idArgs := inList("e.id", ids)
		query += ` AND ` + cond
		args = append(args, idArgs...)
	}
	query += `)`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete search documents: %w", err)
	}
	return nil
}

func inList(column string, values []string) (string, []any) {
	if len(values) == 0 {
		return "0", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

// prepareText strips markup and entities and normalizes to NFC with single
// spaces.
func (idx *Index) prepareText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(idx.policy.Sanitize(s))
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
