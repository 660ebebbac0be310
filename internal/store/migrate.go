package store

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/pressly/goose/v3"
)

func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetDialect("postgres")
	goose.SetTableName("schema_migrations")
	return goose.UpContext(ctx, db, filepath.Join("internal", "store", "migrations"))
}

// MigrateDir is used by tests that run migrations from an explicit path.
func MigrateDir(ctx context.Context, db *sql.DB, dir string) error {
	goose.SetDialect("postgres")
	goose.SetTableName("schema_migrations")
	return goose.UpContext(ctx, db, dir)
}
