package database

import (
	"context"
	"testing"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = "https://x/feed"

func ptr[T any](v T) *T {
	return &v
}

func TestApplyUpdateInsertsAndOverwrites(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))

	t0 := clock.Now()
	result, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed, Title: "X", ETag: "v1", RetrievedAt: t0}, []EntryDiff{
		{Entry: EntryData{ID: "a", Title: "T1", Hash: []byte{1}}, New: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.New)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Entries, 1)

	key := EntryKey{FeedURL: testFeed, ID: "a"}
	entry, err := store.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "T1", entry.Title)
	assert.Equal(t, "X", entry.FeedTitle)
	assert.False(t, entry.Read)
	assert.Equal(t, ImportantUnset, entry.Important)
	assert.Equal(t, AddedByFeed, entry.AddedBy)
	assert.Equal(t, t0, entry.FirstSeen)
	assert.Equal(t, int64(1), entry.Sequence)

	require.NoError(t, store.SetEntryRead(ctx, key, true))
	require.NoError(t, store.SetEntryImportant(ctx, key, ImportantTrue))
	marked, err := store.GetEntry(ctx, key)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	result, err = store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed, Title: "X", ETag: "v2", RetrievedAt: clock.Now()}, []EntryDiff{
		{Entry: EntryData{ID: "a", Title: "T2", Hash: []byte{2}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.New)
	assert.Equal(t, 1, result.Updated)

	entry, err = store.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "T2", entry.Title)
	assert.Equal(t, t0, entry.FirstSeen)
	assert.Equal(t, int64(1), entry.Sequence)
	assert.True(t, entry.Read)
	assert.Equal(t, ImportantTrue, entry.Important)
	assert.Equal(t, marked.ReadModified, entry.ReadModified)
	assert.Equal(t, marked.ImportantModified, entry.ImportantModified)

	feed, err := store.GetFeed(ctx, testFeed)
	require.NoError(t, err)
	assert.Equal(t, "v2", feed.ETag)
	assert.Equal(t, clock.Now(), *feed.LastUpdated)
	assert.Equal(t, int64(2), store.EntryWrites())
}

func TestApplyUpdateUnknownFeed(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ApplyUpdate(context.Background(), FeedUpdate{URL: "https://missing/feed"}, nil)
	assert.ErrorIs(t, err, apperr.ErrFeedNotFound)
}

func TestApplyUpdateClearsFeedError(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))
	require.NoError(t, store.RecordFeedError(ctx, testFeed, FeedError{Kind: "RetrievalError", Message: "boom", At: clock.Now()}))

	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, nil)
	require.NoError(t, err)

	feed, err := store.GetFeed(ctx, testFeed)
	require.NoError(t, err)
	assert.Nil(t, feed.LastError)
}

func TestModifiedAtNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))
	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "a", Hash: []byte{1}}, New: true},
	})
	require.NoError(t, err)

	key := EntryKey{FeedURL: testFeed, ID: "a"}
	require.NoError(t, store.SetEntryRead(ctx, key, true))
	first, err := store.GetEntry(ctx, key)
	require.NoError(t, err)

	clock.Advance(-time.Hour)
	require.NoError(t, store.SetEntryRead(ctx, key, false))

	second, err := store.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.False(t, second.Read)
	assert.Equal(t, *first.ReadModified, *second.ReadModified)

	err = store.SetEntryRead(ctx, EntryKey{FeedURL: testFeed, ID: "missing"}, true)
	assert.ErrorIs(t, err, apperr.ErrEntryNotFound)
}

func TestImportantTriState(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))
	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "a", Hash: []byte{1}}, New: true},
		{Entry: EntryData{ID: "b", Hash: []byte{2}}, New: true},
		{Entry: EntryData{ID: "c", Hash: []byte{3}}, New: true},
	})
	require.NoError(t, err)

	require.NoError(t, store.SetEntryImportant(ctx, EntryKey{FeedURL: testFeed, ID: "a"}, ImportantTrue))
	require.NoError(t, store.SetEntryImportant(ctx, EntryKey{FeedURL: testFeed, ID: "b"}, ImportantFalse))

	b, err := store.GetEntry(ctx, EntryKey{FeedURL: testFeed, ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, ImportantFalse, b.Important)

	c, err := store.GetEntry(ctx, EntryKey{FeedURL: testFeed, ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, ImportantUnset, c.Important)
	assert.Nil(t, c.ImportantModified)

	important, err := store.QueryEntries(ctx, EntryQuery{Filter: EntryFilter{Which: WhichImportant}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, entryIDs(important))

	unimportant, err := store.QueryEntries(ctx, EntryQuery{Filter: EntryFilter{Which: WhichUnimportant}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, entryIDs(unimportant))

	counts, err := store.GetEntryCounts(ctx, EntryFilter{})
	require.NoError(t, err)
	assert.Equal(t, EntryCounts{Total: 3, Important: 1, Unimportant: 1}, counts)
}

func TestAddAndDeleteEntry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))
	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "from-feed", Hash: []byte{1}}, New: true},
	})
	require.NoError(t, err)

	entry, err := store.AddEntry(ctx, testFeed, EntryData{ID: "mine", Title: "Note", Hash: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, AddedByUser, entry.AddedBy)
	assert.Equal(t, int64(2), entry.Sequence)

	_, err = store.AddEntry(ctx, testFeed, EntryData{ID: "mine"})
	assert.ErrorIs(t, err, apperr.ErrEntryExists)

	_, err = store.AddEntry(ctx, "https://missing/feed", EntryData{ID: "x"})
	assert.ErrorIs(t, err, apperr.ErrFeedNotFound)

	err = store.DeleteEntry(ctx, EntryKey{FeedURL: testFeed, ID: "from-feed"})
	assert.ErrorIs(t, err, apperr.ErrPermission)

	require.NoError(t, store.DeleteEntry(ctx, EntryKey{FeedURL: testFeed, ID: "mine"}))
	_, err = store.GetEntry(ctx, EntryKey{FeedURL: testFeed, ID: "mine"})
	assert.ErrorIs(t, err, apperr.ErrEntryNotFound)

	err = store.DeleteEntry(ctx, EntryKey{FeedURL: testFeed, ID: "mine"})
	assert.ErrorIs(t, err, apperr.ErrEntryNotFound)
}

func TestEntryContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))

	published := time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)
	data := EntryData{
		ID:         "a",
		Title:      "Episode 1",
		Link:       "https://x/1",
		Author:     "Host",
		Published:  &published,
		Summary:    "Summary",
		Content:    []Content{{Value: "<p>Hi</p>", Type: "text/html", Language: "en"}, {Value: "Hi", Type: "text/plain"}},
		Enclosures: []Enclosure{{Href: "https://x/1.mp3", Type: "audio/mpeg", Length: 1024}},
		Hash:       []byte{1, 2, 3},
	}
	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{{Entry: data, New: true}})
	require.NoError(t, err)

	entry, err := store.GetEntry(ctx, EntryKey{FeedURL: testFeed, ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, data, entry.EntryData)
	assert.Equal(t, published, entry.SortAt())

	hashes, err := store.GetEntryHashes(ctx, testFeed)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": {1, 2, 3}}, hashes)
}

func TestQueryEntriesOrder(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))

	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "old", Published: ptr(base), Hash: []byte{1}}, New: true},
		{Entry: EntryData{ID: "updated-only", Updated: ptr(base.Add(48 * time.Hour)), Hash: []byte{2}}, New: true},
		{Entry: EntryData{ID: "tie-1", Published: ptr(base.Add(24 * time.Hour)), Hash: []byte{3}}, New: true},
		{Entry: EntryData{ID: "tie-2", Published: ptr(base.Add(24 * time.Hour)), Hash: []byte{4}}, New: true},
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "undated", Hash: []byte{5}}, New: true},
	})
	require.NoError(t, err)

	entries, err := store.QueryEntries(ctx, EntryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"undated", "updated-only", "tie-2", "tie-1", "old"}, entryIDs(entries))

	since := base.Add(24 * time.Hour)
	until := base.Add(48 * time.Hour)
	entries, err = store.QueryEntries(ctx, EntryQuery{Filter: EntryFilter{Since: &since, Until: &until}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tie-2", "tie-1"}, entryIDs(entries))
}

func TestQueryEntriesKeyset(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		clock.Advance(time.Minute)
		_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
			{Entry: EntryData{ID: id, Hash: []byte(id)}, New: true},
		})
		require.NoError(t, err)
	}

	watermark, err := store.CurrentSequence(ctx)
	require.NoError(t, err)

	page, err := store.QueryEntries(ctx, EntryQuery{MaxSequence: watermark, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d"}, entryIDs(page))

	clock.Advance(time.Minute)
	_, err = store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "late", Hash: []byte{0}}, New: true},
	})
	require.NoError(t, err)

	after := page[len(page)-1].SortKey()
	page, err = store.QueryEntries(ctx, EntryQuery{After: &after, MaxSequence: watermark, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, entryIDs(page))

	after = page[len(page)-1].SortKey()
	page, err = store.QueryEntries(ctx, EntryQuery{After: &after, MaxSequence: watermark, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, entryIDs(page))
}

func TestQueryEntriesFilters(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, testFeed))
	require.NoError(t, store.AddFeed(ctx, "https://y/feed"))
	require.NoError(t, store.AddFeedTag(ctx, "https://y/feed", "podcasts"))

	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: testFeed}, []EntryDiff{
		{Entry: EntryData{ID: "x1", Hash: []byte{1}}, New: true},
		{Entry: EntryData{ID: "x2", Hash: []byte{2}}, New: true},
	})
	require.NoError(t, err)
	_, err = store.ApplyUpdate(ctx, FeedUpdate{URL: "https://y/feed"}, []EntryDiff{
		{Entry: EntryData{ID: "y1", Enclosures: []Enclosure{{Href: "https://y/1.mp3"}}, Hash: []byte{3}}, New: true},
	})
	require.NoError(t, err)
	_, err = store.AddEntry(ctx, testFeed, EntryData{ID: "note"})
	require.NoError(t, err)
	require.NoError(t, store.SetEntryRead(ctx, EntryKey{FeedURL: testFeed, ID: "x1"}, true))

	tests := []struct {
		name     string
		filter   EntryFilter
		expected []string
	}{
		{"read", EntryFilter{Which: WhichRead}, []string{"x1"}},
		{"unread", EntryFilter{Which: WhichUnread}, []string{"x2", "y1", "note"}},
		{"feed", EntryFilter{FeedURL: "https://y/feed"}, []string{"y1"}},
		{"tag", EntryFilter{Tag: "podcasts"}, []string{"y1"}},
		{"has enclosures", EntryFilter{HasEnclosures: ptr(true)}, []string{"y1"}},
		{"added by user", EntryFilter{AddedBy: AddedByUser}, []string{"note"}},
		{"conjunctive", EntryFilter{FeedURL: testFeed, Which: WhichUnread, AddedBy: AddedByFeed}, []string{"x2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.QueryEntries(ctx, EntryQuery{Filter: tt.filter})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expected, entryIDs(entries))
		})
	}
}

func TestParseWhichAndImportant(t *testing.T) {
	w, err := ParseWhich("Unread")
	require.NoError(t, err)
	assert.Equal(t, WhichUnread, w)

	_, err = ParseWhich("sometimes")
	assert.Error(t, err)

	i, err := ParseImportant("true")
	require.NoError(t, err)
	assert.Equal(t, ImportantTrue, i)

	i, err = ParseImportant("unset")
	require.NoError(t, err)
	assert.Equal(t, ImportantUnset, i)

	_, err = ParseImportant("maybe")
	assert.Error(t, err)
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
