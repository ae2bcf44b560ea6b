package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
)

type Which string

const (
	WhichAll         Which = "all"
	WhichRead        Which = "read"
	WhichUnread      Which = "unread"
	WhichImportant   Which = "important"
	WhichUnimportant Which = "unimportant"
)

func ParseWhich(s string) (Which, error) {
	switch w := Which(strings.ToLower(strings.TrimSpace(s))); w {
	case "":
		return WhichAll, nil
	case WhichAll, WhichRead, WhichUnread, WhichImportant, WhichUnimportant:
		return w, nil
	default:
		return "", fmt.Errorf("invalid which value: %q", s)
	}
}

// EntryFilter selects entries; all conditions must hold. Since and Until
// bound the primary ordering key (published, else updated, else first
// seen), Since inclusive and Until exclusive.
type EntryFilter struct {
	Which         Which
	FeedURL       string
	Tag           string
	Since         *time.Time
	Until         *time.Time
	HasEnclosures *bool
	AddedBy       AddedBy
}

// Where renders the filter as a condition on entries e, always non-empty.
func (f EntryFilter) Where() (string, []any) {
	conds := []string{"1 = 1"}
	var args []any

	switch f.Which {
	case WhichRead:
		conds = append(conds, "e.read = 1")
	case WhichUnread:
		conds = append(conds, "e.read = 0")
	case WhichImportant:
		conds = append(conds, "e.important = 1")
	case WhichUnimportant:
		conds = append(conds, "(e.important IS NULL OR e.important = 0)")
	}

	if f.FeedURL != "" {
		conds = append(conds, "e.feed = ?")
		args = append(args, f.FeedURL)
	}
	if f.Tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM feed_tags t WHERE t.feed = e.feed AND t.tag = ?)")
		args = append(args, f.Tag)
	}
	if f.Since != nil {
		conds = append(conds, "e.sort_at >= ?")
		args = append(args, timeToInt(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "e.sort_at < ?")
		args = append(args, timeToInt(*f.Until))
	}
	if f.HasEnclosures != nil {
		if *f.HasEnclosures {
			conds = append(conds, "json_array_length(e.enclosures) > 0")
		} else {
			conds = append(conds, "json_array_length(e.enclosures) = 0")
		}
	}
	if f.AddedBy != "" {
		conds = append(conds, "e.added_by = ?")
		args = append(args, string(f.AddedBy))
	}

	return strings.Join(conds, " AND "), args
}

// SortKey is the position of an entry in recency order: sort-at, then
// first-seen, then sequence, all descending. It is a strict total order.
type SortKey struct {
	SortAt    int64 `json:"s"`
	FirstSeen int64 `json:"f"`
	Sequence  int64 `json:"q"`
}

func (e Entry) SortKey() SortKey {
	return SortKey{
		SortAt:    timeToInt(e.SortAt()),
		FirstSeen: timeToInt(e.FirstSeen),
		Sequence:  e.Sequence,
	}
}

// RecentOrder orders entries e newest first.
const RecentOrder = "e.sort_at DESC, e.first_seen DESC, e.sequence DESC"

// After renders the keyset condition selecting entries strictly after k
// in RecentOrder.
func (k SortKey) After() (string, []any) {
	return "(e.sort_at, e.first_seen, e.sequence) < (?, ?, ?)", []any{k.SortAt, k.FirstSeen, k.Sequence}
}

// EntryQuery is one page request. Entries with a sequence above
// MaxSequence are left out, which keeps a pagination from picking up
// entries inserted after it began; zero means no bound.
type EntryQuery struct {
	Filter      EntryFilter
	After       *SortKey
	MaxSequence int64
	Limit       int
}

func (s *Store) QueryEntries(ctx context.Context, q EntryQuery) ([]Entry, error) {
	where, args := q.Filter.Where()

	if q.After != nil {
		cond, condArgs := q.After.After()
		where += " AND " + cond
		args = append(args, condArgs...)
	}
	if q.MaxSequence > 0 {
		where += " AND e.sequence <= ?"
		args = append(args, q.MaxSequence)
	}

	query := `SELECT ` + EntryColumns + ` FROM ` + EntryFrom + ` WHERE ` + where + ` ORDER BY ` + RecentOrder
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("failed to query entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := ScanEntry(rows)
		if err != nil {
			return nil, apperr.Storage("failed to scan entry row", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("error iterating entry rows", err)
	}

	return entries, nil
}

func (s *Store) GetEntryCounts(ctx context.Context, filter EntryFilter) (EntryCounts, error) {
	where, args := filter.Where()

	var counts EntryCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(e.read = 1), 0),
			COALESCE(SUM(e.important = 1), 0),
			COALESCE(SUM(e.important = 0), 0),
			COALESCE(SUM(json_array_length(e.enclosures) > 0), 0)
		FROM entries e
		WHERE `+where, args...).Scan(
		&counts.Total, &counts.Read, &counts.Important, &counts.Unimportant, &counts.HasEnclosures,
	)
	if err != nil {
		return EntryCounts{}, apperr.Storage("failed to get entry counts", err)
	}

	return counts, nil
}
