package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
)

type Sort string

const (
	SortRelevant Sort = "relevant"
	SortRecent   Sort = "recent"
)

func ParseSort(s string) (Sort, error) {
	switch v := Sort(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return SortRecent, nil
	case SortRelevant, SortRecent:
		return v, nil
	default:
		return "", fmt.Errorf("invalid search sort: %q", s)
	}
}

// Highlight markers around matched terms in Hit.Title.
const (
	HighlightStart = "<b>"
	HighlightEnd   = "</b>"
)

// bm25 weights for title, summary, content and feed title.
const rankExpr = `bm25(entries_search, 4.0, 2.0, 1.0, 1.0)`

// Position locates a hit in either sort order. Relevant order is ascending
// rank, then feed URL, then entry id. bm25 ranks move whenever documents
// are added, so a relevant page resumes from the rank the positioned entry
// has now; Rank is only used when that entry no longer matches.
type Position struct {
	Rank    float64          `json:"r"`
	FeedURL string           `json:"u"`
	ID      string           `json:"i"`
	Recent  database.SortKey `json:"k"`
}

type Query struct {
	Text        string
	Filter      database.EntryFilter
	Sort        Sort
	After       *Position
	MaxSequence int64
	Limit       int
}

type Hit struct {
	Entry    database.Entry
	Score    float64 // higher is more relevant
	Title    string  // title text with HighlightStart/HighlightEnd around matches
	Position Position
}

func (h Hit) Key() database.EntryKey {
	return h.Entry.Key()
}

// fts5 reports query syntax problems through these messages.
var invalidQueryFragments = []string{
	"fts5: syntax error near",
	"unknown special query",
	"no such column",
	"no such cursor",
	"unterminated string",
}

func classify(err error) error {
	msg := err.Error()
	for _, fragment := range invalidQueryFragments {
		if strings.Contains(msg, fragment) {
			return apperr.New(apperr.KindInvalidSearchQuery, "", "", err)
		}
	}
	if strings.Contains(msg, "no such table: entries_search") {
		return apperr.New(apperr.KindSearchNotEnabled, "", "", nil)
	}
	return apperr.Storage("failed to search entries", err)
}

const hitsCTE = `WITH hits AS MATERIALIZED (
	SELECT rowid AS hit_rowid, ` + rankExpr + ` AS rank_score,
		highlight(entries_search, 0, ?, ?) AS title_hl
	FROM entries_search
	WHERE entries_search MATCH ?
)`

func (idx *Index) checkQuery(ctx context.Context, text string) error {
	enabled, err := idx.IsEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return apperr.New(apperr.KindSearchNotEnabled, "", "", nil)
	}
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.KindInvalidSearchQuery, "", "empty search query", nil)
	}
	return nil
}

func (idx *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := idx.checkQuery(ctx, q.Text); err != nil {
		return nil, err
	}

	where, filterArgs := q.Filter.Where()
	args := []any{HighlightStart, HighlightEnd, q.Text}
	args = append(args, filterArgs...)

	order := "h.rank_score, e.feed, e.id"
	if q.Sort == SortRecent {
		order = database.RecentOrder
	}

	if q.After != nil {
		if q.Sort == SortRecent {
			cond, condArgs := q.After.Recent.After()
			where += " AND " + cond
			args = append(args, condArgs...)
		} else {
			where += ` AND (h.rank_score, e.feed, e.id) > (COALESCE((
				SELECT c.rank_score FROM hits c JOIN entries ce ON ce.rowid = c.hit_rowid
				WHERE ce.feed = ? AND ce.id = ?), ?), ?, ?)`
			args = append(args, q.After.FeedURL, q.After.ID, q.After.Rank, q.After.FeedURL, q.After.ID)
		}
	}
	if q.MaxSequence > 0 {
		where += " AND e.sequence <= ?"
		args = append(args, q.MaxSequence)
	}

	query := hitsCTE + `
		SELECT ` + database.EntryColumns + `, h.rank_score, h.title_hl
		FROM ` + database.EntryFrom + ` JOIN hits h ON h.hit_rowid = e.rowid
		WHERE ` + where + `
		ORDER BY ` + order
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := idx.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			rank  float64
			title string
		)
		e, err := database.ScanEntry(rows, &rank, &title)
		if err != nil {
			return nil, classify(err)
		}
		hits = append(hits, Hit{
			Entry: *e,
			Score: -rank,
			Title: title,
			Position: Position{
				Rank:    rank,
				FeedURL: e.FeedURL,
				ID:      e.ID,
				Recent:  e.SortKey(),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return hits, nil
}

// Counts summarizes the entries matching text and filter.
func (idx *Index) Counts(ctx context.Context, text string, filter database.EntryFilter) (database.EntryCounts, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := idx.checkQuery(ctx, text); err != nil {
		return database.EntryCounts{}, err
	}

	where, filterArgs := filter.Where()
	args := append([]any{HighlightStart, HighlightEnd, text}, filterArgs...)

	var counts database.EntryCounts
	err := idx.store.DB().QueryRowContext(ctx, hitsCTE+`
		SELECT
			COUNT(*),
			COALESCE(SUM(e.read = 1), 0),
			COALESCE(SUM(e.important = 1), 0),
			COALESCE(SUM(e.important = 0), 0),
			COALESCE(SUM(json_array_length(e.enclosures) > 0), 0)
		FROM entries e JOIN hits h ON h.hit_rowid = e.rowid
		WHERE `+where, args...).Scan(
		&counts.Total, &counts.Read, &counts.Important, &counts.Unimportant, &counts.HasEnclosures,
	)
	if err != nil {
		return database.EntryCounts{}, classify(err)
	}

	return counts, nil
}
