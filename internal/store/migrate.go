package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"runtime"

	"github.com/pressly/goose/v3"
)

// Migrate applies the entitlement schema migrations bundled with this
// package. The directory is resolved relative to this source file so the
// daemon can run from any working directory.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetDialect("postgres")
	goose.SetTableName("schema_migrations")
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return errors.New("store: cannot locate migration directory")
	}
	dir := filepath.Join(filepath.Dir(currentFile), "migrations")
	return goose.UpContext(ctx, db, dir)
}
