package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/storage"
	"cronward/internal/storage/storagetest"
	logx "cronward/pkg/logx"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "cronward.db")

	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
	require.NoError(t, db.Close())

	db, err = storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer db.Close()
	applied, err := storage.Migrate(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{Driver: "mysql"}, logx.Nop())
	assert.True(t, errors.Is(err, storage.ErrUnsupportedDriver))
}

func TestRunningIndexRejectsSecondRunner(t *testing.T) {
	db := storagetest.Open(t)
	ctx := context.Background()
	insert := `INSERT INTO task_executions (task_type, status, started_at, updated_at) VALUES (?, ?, 1, 1)`

	_, err := db.ExecContext(ctx, insert, "crawl_sources", "running")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "crawl_sources", "success")
	require.NoError(t, err, "terminal rows are not constrained")
	_, err = db.ExecContext(ctx, insert, "event_groups", "running")
	require.NoError(t, err, "other task types are independent")

	_, err = db.ExecContext(ctx, insert, "crawl_sources", "running")
	require.Error(t, err)
	assert.True(t, storage.IsUniqueViolation(err))
}

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `UPDATE t SET a = ? WHERE b = ? AND c = ?`
	assert.Equal(t, q, storage.SQLite.Rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`, storage.Postgres.Rebind(q))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	assert.False(t, storage.IsUniqueViolation(nil))
	assert.False(t, storage.IsUniqueViolation(errors.New("disk full")))
	assert.True(t, storage.IsUniqueViolation(errors.New("UNIQUE constraint failed: task_executions.task_type")))
}
