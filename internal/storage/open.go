package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "cronward/pkg/logx"
)

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		db  *DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(ctx, cfg)
	case "postgres", "pgx":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, errors.Wrapf(ErrUnsupportedDriver, "driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	applied, err := Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage ready",
		logx.String("driver", db.Dialect.String()),
		logx.Int("migrations_applied", applied),
		logx.Duration("took", time.Since(start)),
	)
	return db, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure on either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
