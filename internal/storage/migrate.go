package storage

import (
	"context"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT   PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`

// Migrate applies pending migrations for the handle's dialect, each in its own
// transaction, and returns how many were applied.
func Migrate(ctx context.Context, db *DB) (int, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, errors.Wrap(err, "create schema_migrations")
	}

	dir := "migrations/" + db.Dialect.String()
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		var n int
		if err := db.QueryRowContext(ctx, db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&n); err != nil {
			return applied, errors.Wrapf(err, "check %s", name)
		}
		if n > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return applied, errors.Wrapf(err, "read %s", name)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, errors.Wrapf(err, "begin %s", name)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return applied, errors.Wrapf(err, "execute %s", name)
		}
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, UnixMilli(time.Now())); err != nil {
			_ = tx.Rollback()
			return applied, errors.Wrapf(err, "record %s", name)
		}
		if err := tx.Commit(); err != nil {
			return applied, errors.Wrapf(err, "commit %s", name)
		}
		applied++
	}
	return applied, nil
}
