package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Account, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*Account, error)
	FindByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*Account, error)
	// UpdateVersioned persists account when the stored version still equals
	// expectedVersion. It reports false when another writer got there first.
	UpdateVersioned(ctx context.Context, db *gorm.DB, account *Account, expectedVersion int64) (bool, error)
	ListAnnualResetDue(ctx context.Context, db *gorm.DB, year int, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
	ListCanceledExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
