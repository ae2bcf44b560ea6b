package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	_ "modernc.org/sqlite"
)

// TxHook is notified of entry and feed changes from inside the transaction
// that makes them, so derived data commits or rolls back with the change.
type TxHook interface {
	EntriesWritten(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error
	// EntriesDeleting runs before the rows are gone. A nil ids slice means
	// every entry of the feed.
	EntriesDeleting(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error
	FeedChanged(ctx context.Context, tx *sql.Tx, feedURL string) error
}

// Store is the entity store: one SQLite file holding feeds, entries and
// their metadata. Readers run concurrently; writers are serialized by
// writeMu and by BEGIN IMMEDIATE transactions.
type Store struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
	hooks   []TxHook
	now     func() time.Time
	writes  atomic.Int64
}

type Option func(*Store)

// WithClock replaces time.Now as the source of first-seen, modified-at and
// bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens or creates the store at path, upgrading its schema in place.
// Update claims left behind by a previous process are cleared.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, apperr.Storage("failed to open database", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Storage("failed to connect to database", err)
	}

	version, err := RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	res, err := db.ExecContext(ctx, `UPDATE feeds SET updating = 0 WHERE updating = 1`)
	if err != nil {
		db.Close()
		return nil, apperr.Storage("failed to clear stale update claims", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("Cleared stale update claims", "feeds", n)
	}

	slog.Debug("Database opened", "path", path, "schema_version", version)

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for read-only collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// AddTxHook registers h to run inside every mutating transaction. Hooks
// must be registered before the store is shared between goroutines.
func (s *Store) AddTxHook(h TxHook) {
	s.hooks = append(s.hooks, h)
}

// EntryWrites counts entry rows inserted or updated since the store was
// opened.
func (s *Store) EntryWrites() int64 {
	return s.writes.Load()
}

// WithTx runs fn in a write transaction. Errors that already carry a kind
// are returned unchanged; anything else becomes a StorageError.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to roll back transaction", "error", rbErr)
		}
		return apperr.Storage("transaction failed", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Storage("failed to commit transaction", err)
	}

	return nil
}

func (s *Store) entriesWritten(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, h := range s.hooks {
		if err := h.EntriesWritten(ctx, tx, feedURL, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) entriesDeleting(ctx context.Context, tx *sql.Tx, feedURL string, ids []string) error {
	for _, h := range s.hooks {
		if err := h.EntriesDeleting(ctx, tx, feedURL, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) feedChanged(ctx context.Context, tx *sql.Tx, feedURL string) error {
	for _, h := range s.hooks {
		if err := h.FeedChanged(ctx, tx, feedURL); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are stored as UTC unix nanoseconds.

func timeToInt(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func intToTime(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: timeToInt(*t), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := intToTime(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type RowScanner interface {
	Scan(dest ...any) error
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
