// Package catalog is a Postgres-backed schema-migration metadata store
// used only by `hetu migrate`: it tracks which version of each
// Component's declared layout has last been applied, so a deployment can
// detect a drifted schema before the server starts accepting sessions.
// Grounded on the teacher's database/sql usage in
// packages/com.r3e.services.gasbank/store_postgres.go, generalized from a
// hand-rolled *sql.DB to sqlx's Get/Select convenience and golang-migrate
// for the underlying DDL.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// SchemaVersion is one Component's last-applied layout version.
type SchemaVersion struct {
	Component string    `db:"component"`
	Version   int       `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

// Store is a handle to the catalog's Postgres connection.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (a standard postgres:// connection string).
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies every pending DDL migration under migrationsURL (a
// golang-migrate source URL, e.g. "file://internal/catalog/migrations")
// to the catalog's own bookkeeping tables.
func (s *Store) Migrate(migrationsURL string) error {
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("catalog: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("catalog: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("catalog: migrate up: %w", err)
	}
	return nil
}

// RecordSchemaVersion upserts the last-applied layout version for a
// Component.
func (s *Store) RecordSchemaVersion(ctx context.Context, component string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hetu_schema_versions (component, version, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (component) DO UPDATE
		SET version = EXCLUDED.version, applied_at = EXCLUDED.applied_at
	`, component, version)
	if err != nil {
		return fmt.Errorf("catalog: record schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns a Component's last-recorded layout version.
func (s *Store) SchemaVersion(ctx context.Context, component string) (int, bool, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT version FROM hetu_schema_versions WHERE component = $1`, component)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("catalog: schema version: %w", err)
	}
	return v, true, nil
}

// ListSchemaVersions returns every recorded Component version, ordered by
// name.
func (s *Store) ListSchemaVersions(ctx context.Context) ([]SchemaVersion, error) {
	var out []SchemaVersion
	err := s.db.SelectContext(ctx, &out, `
		SELECT component, version, applied_at FROM hetu_schema_versions ORDER BY component
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list schema versions: %w", err)
	}
	return out, nil
}
