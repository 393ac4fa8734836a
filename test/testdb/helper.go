package testdb

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/selivandex/tradeswarm/internal/adapters/database"
)

// Setup connects to the test database and applies migrations. Tests that
// need Postgres skip when TEST_DATABASE_URL is not set.
func Setup(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := database.RunMigrations(db.DB, migrationsPath()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		Truncate(t, db)
		_ = db.Close()
	})

	return db
}

// Truncate wipes mutable tables between tests
func Truncate(t *testing.T, db *sqlx.DB) {
	t.Helper()

	tables := []string{
		"raw_events",
		"order_submissions",
		"order_approvals",
		"order_decision_traces",
		"trades",
		"alert_events",
		"alert_rules",
		"swarm_snapshots",
	}
	for _, table := range tables {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Logf("truncate %s failed: %v", table, err)
		}
	}
	if _, err := db.Exec(`UPDATE risk_state SET kill_switch_active = FALSE, kill_switch_reason = NULL,
		daily_loss_usd = 0, daily_equity_start = 0, cooldown_until = NULL WHERE id = 1`); err != nil {
		t.Logf("risk_state reset failed: %v", err)
	}
}

// migrationsPath resolves the migrations directory relative to this file
func migrationsPath() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}
