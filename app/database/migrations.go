package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lysyi3m/rss-reader/app/apperr"
)

// SchemaVersion is the newest migration this build knows about.
const SchemaVersion uint = 2

//go:embed migrations/*.sql
var migrationFS embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// RunMigrations upgrades the schema in place and returns the resulting
// version. A file written by a newer build, or left dirty by an interrupted
// migration, is refused with a StorageError before anything is touched.
//
// The migrate instance is never closed: closing it would close db.
func RunMigrations(db *sql.DB) (uint, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, apperr.Storage("failed to prepare migrations", err)
	}

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, apperr.Storage("failed to get schema version", err)
	}
	if dirty {
		return 0, apperr.Storage("schema is dirty", fmt.Errorf("migration %d did not complete", current))
	}
	if current > SchemaVersion {
		return 0, apperr.Storage("unsupported schema version",
			fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion))
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, apperr.Storage("failed to run migrations", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, apperr.Storage("failed to get migration version", err)
	}

	return version, nil
}
