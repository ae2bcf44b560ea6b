package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feedA = "https://a.example.com/feed"
	feedB = "https://b.example.com/feed"
)

func newTestIndex(t *testing.T) (*database.Store, *Index) {
	t.Helper()

	store, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, New(store)
}

func putEntries(t *testing.T, store *database.Store, feedURL, feedTitle string, entries ...database.EntryData) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.GetFeed(ctx, feedURL); apperr.IsFeedNotFound(err) {
		require.NoError(t, store.AddFeed(ctx, feedURL))
	}

	diffs := make([]database.EntryDiff, len(entries))
	for i, e := range entries {
		if e.Hash == nil {
			e.Hash = []byte(e.Title + e.Summary)
		}
		diffs[i] = database.EntryDiff{Entry: e, New: true}
	}
	_, err := store.ApplyUpdate(ctx, database.FeedUpdate{URL: feedURL, Title: feedTitle, RetrievedAt: time.Now()}, diffs)
	require.NoError(t, err)
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Entry.ID
	}
	return ids
}

func documentCount(t *testing.T, store *database.Store) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM entries_search`).Scan(&n))
	return n
}

func TestEnableIndexesExistingEntries(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	putEntries(t, store, feedA, "Feed A",
		database.EntryData{ID: "1", Title: "Golang release notes"},
		database.EntryData{ID: "2", Title: "Gardening tips"},
	)

	enabled, err := idx.IsEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = idx.Search(ctx, Query{Text: "golang"})
	assert.ErrorIs(t, err, apperr.ErrSearchNotEnabled)

	require.NoError(t, idx.Enable(ctx))
	require.NoError(t, idx.Enable(ctx))

	enabled, err = idx.IsEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	needs, err := idx.NeedsRebuild(ctx)
	require.NoError(t, err)
	assert.False(t, needs)

	hits, err := idx.Search(ctx, Query{Text: "golang"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, database.EntryKey{FeedURL: feedA, ID: "1"}, hits[0].Key())
	assert.Equal(t, "<b>Golang</b> release notes", hits[0].Title)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))
	require.NoError(t, idx.Disable(ctx))

	// Hooks are no-ops while disabled.
	putEntries(t, store, feedA, "Feed A", database.EntryData{ID: "1", Title: "Hello"})

	_, err := idx.Search(ctx, Query{Text: "hello"})
	assert.ErrorIs(t, err, apperr.ErrSearchNotEnabled)

	err = idx.Rebuild(ctx)
	assert.ErrorIs(t, err, apperr.ErrSearchNotEnabled)

	_, ok, err := store.GetSetting(ctx, schemeSettingKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidQuery(t *testing.T) {
	ctx := context.Background()
	_, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	for _, q := range []string{`"unterminated`, `AND`, `nosuchcolumn:word`, `   `} {
		_, err := idx.Search(ctx, Query{Text: q})
		assert.ErrorIs(t, err, apperr.ErrInvalidSearchQuery, "query %q", q)
	}
}

func TestUpdatesKeepIndexCurrent(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	putEntries(t, store, feedA, "Feed A", database.EntryData{ID: "1", Title: "Original headline"})

	hits, err := idx.Search(ctx, Query{Text: "original"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	putEntries(t, store, feedA, "Feed A", database.EntryData{ID: "1", Title: "Corrected headline"})

	hits, err = idx.Search(ctx, Query{Text: "original"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, Query{Text: "corrected"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, documentCount(t, store))
}

func TestDeleteFeedRemovesDocuments(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	putEntries(t, store, feedA, "Feed A",
		database.EntryData{ID: "1", Title: "Shared topic"},
		database.EntryData{ID: "2", Title: "Shared topic again"},
	)
	putEntries(t, store, feedB, "Feed B", database.EntryData{ID: "1", Title: "Shared topic elsewhere"})
	assert.Equal(t, 3, documentCount(t, store))

	require.NoError(t, store.DeleteFeed(ctx, feedA))

	assert.Equal(t, 1, documentCount(t, store))
	hits, err := idx.Search(ctx, Query{Text: "shared"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, feedB, hits[0].Entry.FeedURL)
}

func TestDeleteUserEntryRemovesDocument(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))
	require.NoError(t, store.AddFeed(ctx, feedA))

	_, err := store.AddEntry(ctx, feedA, database.EntryData{ID: "mine", Title: "Personal note"})
	require.NoError(t, err)
	assert.Equal(t, 1, documentCount(t, store))

	require.NoError(t, store.DeleteEntry(ctx, database.EntryKey{FeedURL: feedA, ID: "mine"}))
	assert.Equal(t, 0, documentCount(t, store))
}

func TestDocumentTextIsPlain(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	putEntries(t, store, feedA, "Feed &amp; Co", database.EntryData{
		ID:      "1",
		Title:   "Title",
		Summary: "<p>Hello &amp; <b>world</b></p>",
		Content: []database.Content{{Value: "<div>First</div>"}, {Value: "Second\n\n  part"}},
	})

	var summary, content, feed string
	err := store.DB().QueryRow(`SELECT summary, content, feed FROM entries_search`).Scan(&summary, &content, &feed)
	require.NoError(t, err)
	assert.Equal(t, "Hello & world", summary)
	assert.Equal(t, "First\nSecond part", content)
	assert.Equal(t, "Feed & Co", feed)

	hits, err := idx.Search(ctx, Query{Text: "world"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestTitleOutranksContent(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	putEntries(t, store, feedA, "Feed A",
		database.EntryData{ID: "body", Title: "Weekly digest", Content: []database.Content{{Value: "a note about kubernetes"}}},
		database.EntryData{ID: "title", Title: "Kubernetes upgrade guide", Summary: "step by step"},
	)

	hits, err := idx.Search(ctx, Query{Text: "kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "body"}, hitIDs(hits))
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchPagination(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var entries []database.EntryData
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		published := base.Add(time.Duration(i) * time.Hour)
		entries = append(entries, database.EntryData{ID: id, Title: "same words here", Published: &published})
	}
	putEntries(t, store, feedA, "Feed A", entries...)

	for _, sort := range []Sort{SortRelevant, SortRecent} {
		var (
			seen  []string
			after *Position
		)
		for {
			hits, err := idx.Search(ctx, Query{Text: "words", Sort: sort, After: after, Limit: 2})
			require.NoError(t, err)
			if len(hits) == 0 {
				break
			}
			seen = append(seen, hitIDs(hits)...)
			after = &hits[len(hits)-1].Position
		}

		assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, seen, "sort %s", sort)
		if sort == SortRecent {
			assert.Equal(t, []string{"e", "d", "c", "b", "a"}, seen)
		}
	}
}

func TestSearchFilterAndWatermark(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	putEntries(t, store, feedA, "Feed A", database.EntryData{ID: "1", Title: "rust news"})
	putEntries(t, store, feedB, "Feed B", database.EntryData{ID: "1", Title: "rust news"})

	hits, err := idx.Search(ctx, Query{Text: "rust", Filter: database.EntryFilter{FeedURL: feedB}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, feedB, hits[0].Entry.FeedURL)

	require.NoError(t, store.SetEntryRead(ctx, database.EntryKey{FeedURL: feedA, ID: "1"}, true))
	hits, err = idx.Search(ctx, Query{Text: "rust", Filter: database.EntryFilter{Which: database.WhichUnread}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, feedB, hits[0].Entry.FeedURL)

	first, err := store.GetEntry(ctx, database.EntryKey{FeedURL: feedA, ID: "1"})
	require.NoError(t, err)
	hits, err = idx.Search(ctx, Query{Text: "rust", MaxSequence: first.Sequence})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, feedA, hits[0].Entry.FeedURL)

	counts, err := idx.Counts(ctx, "rust", database.EntryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 1, counts.Read)
}

func TestFeedTitleChanges(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))
	putEntries(t, store, feedA, "Feed A", database.EntryData{ID: "1", Title: "Post"})

	require.NoError(t, store.SetFeedUserTitle(ctx, feedA, "Nebula Weekly"))

	hits, err := idx.Search(ctx, Query{Text: "nebula"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, store.ChangeFeedURL(ctx, feedA, feedB))

	hits, err = idx.Search(ctx, Query{Text: "nebula"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, feedB, hits[0].Entry.FeedURL)
}

func TestRebuildIsReproducible(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	putEntries(t, store, feedB, "Feed B", database.EntryData{ID: "z", Title: "Zeta", Summary: "<i>last</i>"})
	putEntries(t, store, feedA, "Feed A",
		database.EntryData{ID: "2", Title: "Beta"},
		database.EntryData{ID: "1", Title: "Alpha"},
	)
	require.NoError(t, idx.Enable(ctx))

	snapshot := func() [][]string {
		rows, err := store.DB().Query(`SELECT rowid, title, summary, content, feed FROM entries_search ORDER BY rowid`)
		require.NoError(t, err)
		defer rows.Close()

		var out [][]string
		for rows.Next() {
			var rowid, title, summary, content, feed string
			require.NoError(t, rows.Scan(&rowid, &title, &summary, &content, &feed))
			out = append(out, []string{rowid, title, summary, content, feed})
		}
		require.NoError(t, rows.Err())
		return out
	}

	before := snapshot()
	require.NoError(t, idx.Rebuild(ctx))
	assert.Equal(t, before, snapshot())
	assert.Len(t, before, 3)
}

func TestNeedsRebuildOnSchemeChange(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestIndex(t)
	require.NoError(t, idx.Enable(ctx))

	_, err := store.DB().Exec(`UPDATE settings SET value = '0' WHERE key = ?`, schemeSettingKey)
	require.NoError(t, err)

	needs, err := idx.NeedsRebuild(ctx)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, idx.Rebuild(ctx))

	needs, err = idx.NeedsRebuild(ctx)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestParseSort(t *testing.T) {
	s, err := ParseSort("")
	require.NoError(t, err)
	assert.Equal(t, SortRecent, s)

	s, err = ParseSort("Recent")
	require.NoError(t, err)
	assert.Equal(t, SortRecent, s)

	_, err = ParseSort("random")
	assert.Error(t, err)
}
