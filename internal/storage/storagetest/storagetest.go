// Package storagetest opens throwaway migrated databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"cronward/internal/storage"
	logx "cronward/pkg/logx"
)

// Open returns a migrated sqlite database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "cronward.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
