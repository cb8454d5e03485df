package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"gama-ovr/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func newMigrationProvider(db *sql.DB) (*goose.Provider, error) {
	dialect := goose.DialectSQLite3
	dir := "migrations/sqlite"
	if isPostgres(db) {
		dialect = goose.DialectPostgres
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, db, sub)
}

// ApplyMigrations brings the schema to the latest embedded version.
func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	p, err := newMigrationProvider(db)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.Printf("migration applied version=%d dur=%s", r.Source.Version, r.Duration)
		}
	}
	return nil
}

// SchemaVersion reports the version recorded by goose.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	p, err := newMigrationProvider(db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
