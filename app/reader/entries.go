package reader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/search"
)

// ErrInvalidCursor is returned for cursors that were not produced by a
// pagination of the same kind.
var ErrInvalidCursor = errors.New("invalid cursor")

const defaultBatchSize = 100

type EntriesOptions struct {
	Filter database.EntryFilter
	Search string      // Full-text query; results then come from the search index
	Sort   search.Sort // Only for searches; listings are always most recent first
	Cursor string      // Resume after the position encoded by a previous Cursor()
	Limit  int         // Maximum number of results; 0 means no limit
}

// Result is one entry of a listing or a search.
type Result struct {
	Entry database.Entry
	Score float64 // Search relevance, higher is better
	Title string  // Search only: title with matched terms highlighted

	next cursor
}

// cursor is the position after a result together with the sequence
// watermark captured when the pagination began.
type cursor struct {
	Search    bool              `json:"s,omitempty"`
	Key       *database.SortKey `json:"k,omitempty"`
	Position  *search.Position  `json:"p,omitempty"`
	Watermark int64             `json:"w"`
}

func (c cursor) encode() string {
	data, _ := json.Marshal(c) // plain values only
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.Watermark < 0 {
		return c, ErrInvalidCursor
	}
	return c, nil
}

type fetchFunc func(ctx context.Context, after cursor, limit int) ([]Result, error)

// EntryIterator walks a listing or search lazily, one batch at a time.
// Entries added after the iterator was created are never returned. Use it
// like sql.Rows:
//
//	it, err := r.GetEntries(ctx, opts)
//	for it.Next(ctx) {
//		fmt.Println(it.Result().Entry.Title)
//	}
//	if err := it.Err(); err != nil { ... }
type EntryIterator struct {
	fetch     fetchFunc
	pos       cursor
	batchSize int
	remaining int // -1 when unlimited
	buf       []Result
	current   Result
	exhausted bool
	err       error
}

func newIterator(fetch fetchFunc, start cursor, limit int) *EntryIterator {
	remaining := -1
	if limit > 0 {
		remaining = limit
	}
	return &EntryIterator{
		fetch:     fetch,
		pos:       start,
		batchSize: defaultBatchSize,
		remaining: remaining,
	}
}

func (it *EntryIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.remaining == 0 {
		return false
	}

	if len(it.buf) == 0 {
		if it.exhausted {
			return false
		}

		n := it.batchSize
		if it.remaining > 0 && it.remaining < n {
			n = it.remaining
		}

		results, err := it.fetch(ctx, it.pos, n)
		if err != nil {
			it.err = err
			return false
		}
		if len(results) < n {
			it.exhausted = true
		}
		if len(results) == 0 {
			return false
		}
		it.buf = results
	}

	it.current, it.buf = it.buf[0], it.buf[1:]
	it.pos = it.current.next
	if it.remaining > 0 {
		it.remaining--
	}
	return true
}

func (it *EntryIterator) Result() Result {
	return it.current
}

func (it *EntryIterator) Err() error {
	return it.err
}

// Cursor resumes the pagination after the last result returned by Next.
func (it *EntryIterator) Cursor() string {
	return it.pos.encode()
}

// Page is one page of results. Cursor is empty on the last page.
type Page struct {
	Results []Result
	Cursor  string
}

// GetEntries returns the entries matching opts, most recent first. Searches
// may ask for relevance order instead. A call without a cursor starts over.
func (r *Reader) GetEntries(ctx context.Context, opts EntriesOptions) (*EntryIterator, error) {
	searching := strings.TrimSpace(opts.Search) != ""

	if !searching && opts.Sort != "" && opts.Sort != search.SortRecent {
		return nil, fmt.Errorf("invalid sort for entry listing: %q", opts.Sort)
	}
	if searching {
		sort, err := search.ParseSort(string(opts.Sort))
		if err != nil {
			return nil, err
		}
		opts.Sort = sort
	}

	start, err := r.startCursor(ctx, opts.Cursor, searching)
	if err != nil {
		return nil, err
	}

	if searching {
		return newIterator(r.searchFetch(opts), start, opts.Limit), nil
	}
	return newIterator(r.listFetch(opts.Filter), start, opts.Limit), nil
}

// SearchEntries is GetEntries for a required full-text query.
func (r *Reader) SearchEntries(ctx context.Context, opts EntriesOptions) (*EntryIterator, error) {
	if strings.TrimSpace(opts.Search) == "" {
		return nil, apperr.New(apperr.KindInvalidSearchQuery, "", "empty search query", nil)
	}
	return r.GetEntries(ctx, opts)
}

// GetEntriesPage returns at most opts.Limit results and the cursor for the
// next page.
func (r *Reader) GetEntriesPage(ctx context.Context, opts EntriesOptions) (*Page, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("page limit must be positive, got %d", opts.Limit)
	}
	limit := opts.Limit
	opts.Limit = limit + 1

	it, err := r.GetEntries(ctx, opts)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	for it.Next(ctx) {
		page.Results = append(page.Results, it.Result())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if len(page.Results) > limit {
		page.Results = page.Results[:limit]
		page.Cursor = page.Results[limit-1].next.encode()
	}
	return page, nil
}

func (r *Reader) startCursor(ctx context.Context, encoded string, searching bool) (cursor, error) {
	if encoded != "" {
		c, err := decodeCursor(encoded)
		if err != nil {
			return c, err
		}
		if c.Search != searching {
			return c, fmt.Errorf("%w: cursor belongs to another kind of query", ErrInvalidCursor)
		}
		return c, nil
	}

	watermark, err := r.store.CurrentSequence(ctx)
	if err != nil {
		return cursor{}, err
	}
	return cursor{Search: searching, Watermark: watermark}, nil
}

func (r *Reader) listFetch(filter database.EntryFilter) fetchFunc {
	return func(ctx context.Context, after cursor, limit int) ([]Result, error) {
		// Sequences start at 1; nothing existed when the pagination began.
		if after.Watermark == 0 {
			return nil, nil
		}

		entries, err := r.store.QueryEntries(ctx, database.EntryQuery{
			Filter:      filter,
			After:       after.Key,
			MaxSequence: after.Watermark,
			Limit:       limit,
		})
		if err != nil {
			return nil, err
		}

		results := make([]Result, len(entries))
		for i, e := range entries {
			key := e.SortKey()
			results[i] = Result{
				Entry: e,
				next:  cursor{Key: &key, Watermark: after.Watermark},
			}
		}
		return results, nil
	}
}

func (r *Reader) searchFetch(opts EntriesOptions) fetchFunc {
	return func(ctx context.Context, after cursor, limit int) ([]Result, error) {
		if after.Watermark == 0 {
			// Still report a disabled index or a bad query.
			_, err := r.index.Counts(ctx, opts.Search, opts.Filter)
			return nil, err
		}

		hits, err := r.index.Search(ctx, search.Query{
			Text:        opts.Search,
			Filter:      opts.Filter,
			Sort:        opts.Sort,
			After:       after.Position,
			MaxSequence: after.Watermark,
			Limit:       limit,
		})
		if err != nil {
			return nil, err
		}

		results := make([]Result, len(hits))
		for i, h := range hits {
			pos := h.Position
			results[i] = Result{
				Entry: h.Entry,
				Score: h.Score,
				Title: h.Title,
				next:  cursor{Search: true, Position: &pos, Watermark: after.Watermark},
			}
		}
		return results, nil
	}
}
