package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	clock := newTestClock()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, clock
}

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", dsn(path))
	require.NoError(t, err)
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	store, _ := newTestStore(t)

	var version uint
	err := store.DB().QueryRow(`SELECT version FROM schema_migrations`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	seq, err := store.CurrentSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestOpenUpgradesOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")

	db := openRaw(t, path)
	m, err := newMigrate(db)
	require.NoError(t, err)
	require.NoError(t, m.Migrate(1))
	_, err = db.Exec(`INSERT INTO feeds (url, added) VALUES ('https://x/feed', 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	var name string
	err = store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_feeds_due'`).Scan(&name)
	require.NoError(t, err)

	_, err = store.GetFeed(context.Background(), "https://x/feed")
	assert.NoError(t, err)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")

	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE schema_migrations SET version = 99`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), path)
	require.Error(t, err)
	assert.True(t, apperr.IsStorage(err), "expected StorageError, got %v", err)
}

func TestOpenRejectsDirtySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")

	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE schema_migrations SET dirty = 1`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), path)
	assert.True(t, apperr.IsStorage(err), "expected StorageError, got %v", err)
}

func TestOpenClearsStaleClaims(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.AddFeed(ctx, "https://x/feed"))
	claimed, err := store.ClaimFeedForUpdate(ctx, "https://x/feed")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	feed, err := store.GetFeed(ctx, "https://x/feed")
	require.NoError(t, err)
	assert.False(t, feed.Updating)
}

type failingHook struct {
	err error
}

func (h failingHook) EntriesWritten(context.Context, *sql.Tx, string, []string) error {
	return h.err
}

func (h failingHook) EntriesDeleting(context.Context, *sql.Tx, string, []string) error {
	return h.err
}

func (h failingHook) FeedChanged(context.Context, *sql.Tx, string) error {
	return h.err
}

func TestHookFailureRollsBackUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.AddFeed(ctx, "https://x/feed"))

	store.AddTxHook(failingHook{err: errors.New("index is broken")})

	_, err := store.ApplyUpdate(ctx, FeedUpdate{URL: "https://x/feed", Title: "X", ETag: "v1"}, []EntryDiff{
		{Entry: EntryData{ID: "a", Title: "T1", Hash: []byte{1}}, New: true},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsStorage(err))

	_, err = store.GetEntry(ctx, EntryKey{FeedURL: "https://x/feed", ID: "a"})
	assert.True(t, apperr.IsEntryNotFound(err))

	feed, err := store.GetFeed(ctx, "https://x/feed")
	require.NoError(t, err)
	assert.Empty(t, feed.ETag)
	assert.Nil(t, feed.LastUpdated)

	seq, err := store.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, int64(0), store.EntryWrites())
}
