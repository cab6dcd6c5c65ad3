package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}

func TestAutoMigrateCreatesDedupeIndex(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:automigrate?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := AutoMigrate(conn); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	var count int64
	if err := conn.Raw(
		`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
		"ux_payment_transactions_applied_dedupe",
	).Scan(&count).Error; err != nil {
		t.Fatalf("query index: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected partial dedupe index, got %d", count)
	}
}

func TestAnnualResetMarkerIsBackfilled(t *testing.T) {
	up, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000004_annual_reset_backfill.up.sql")
	if err != nil {
		t.Fatalf("read backfill: %v", err)
	}
	sql := string(up)
	if !strings.Contains(sql, "SET last_annual_reset_year") || !strings.Contains(sql, "WHERE last_annual_reset_year = 0") {
		t.Fatalf("backfill must only stamp unmarked accounts:\n%s", sql)
	}
}
