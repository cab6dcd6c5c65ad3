package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded Postgres schema.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the gorm models for dialects the SQL
// migrations do not target.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&ledgerdomain.Account{}, &paymentdomain.TransactionRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if conn.Dialector.Name() == "mysql" {
		// MySQL has no partial indexes; the reconciler's dedupe lookup still applies.
		return nil
	}
	return conn.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_transactions_applied_dedupe
		 ON payment_transactions (provider, dedupe_key)
		 WHERE status = 'applied' AND dedupe_key <> ''`,
	).Error
}
