package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): database file at Path; ":memory:" is accepted
//   - "postgres": server at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Dialect captures the few SQL differences between backends.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB is a database handle tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap adopts an existing handle. Tests use it with sqlmock.
func Wrap(db *sql.DB, d Dialect) *DB { return &DB{DB: db, Dialect: d} }

// Rebind rewrites '?' placeholders into the dialect's form.
// Queries must not contain literal question marks.
func (db *DB) Rebind(q string) string { return db.Dialect.Rebind(q) }

func (d Dialect) Rebind(q string) string {
	if d != Postgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// UnixMilli and FromUnixMilli are the on-disk timestamp encoding.
func UnixMilli(t time.Time) int64 { return t.UTC().UnixMilli() }

func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NullMilli maps a nullable millisecond column.
func NullMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return FromUnixMilli(v.Int64)
}

func NullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
