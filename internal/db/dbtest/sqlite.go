// Package dbtest opens throwaway migrated SQLite stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/jmoiron/sqlx"
)

// NewSQLite returns a migrated store backed by a file in t.TempDir().
func NewSQLite(t testing.TB) *sqlx.DB {
	t.Helper()

	conn, err := db.NewSQLiteConnection(filepath.Join(t.TempDir(), "flowhub.db"), db.SQLOpts{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := db.MigrateUp(context.Background(), conn); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// SeedWorkspace inserts a workspace row and returns its id.
func SeedWorkspace(t testing.TB, conn *sqlx.DB, name, apiKey string) int64 {
	t.Helper()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := conn.Exec(
		`INSERT INTO workspaces (name, api_key, status, rate_limit_rps, created_at, updated_at) VALUES (?, ?, 'active', NULL, ?, ?)`,
		name, apiKey, now, now,
	)
	if err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("workspace id: %v", err)
	}
	return id
}
