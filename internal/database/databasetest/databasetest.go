// Package databasetest opens a migrated, empty Postgres database for tests.
// Tests using it are skipped unless TASKBUS_TEST_POSTGRES_URL is set.
package databasetest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/taskbus/internal/database"
)

// URLEnv names the variable holding the test database URL.
const URLEnv = "TASKBUS_TEST_POSTGRES_URL"

// Open connects, migrates, and truncates the taskbus tables. The pool is
// closed when the test ends.
func Open(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(URLEnv)
	if url == "" {
		t.Skipf("%s not set", URLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, url, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)

	if _, err := database.RunMigrations(ctx, db.Pool(), nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Pool().Exec(ctx, "TRUNCATE reminders, dead_letters"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db.Pool()
}
