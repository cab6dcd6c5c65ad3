package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertPending reports false when the provider event id is already recorded.
	InsertPending(ctx context.Context, db *gorm.DB, record *TransactionRecord) (bool, error)
	FindByEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*TransactionRecord, error)
	FindAppliedByDedupeKey(ctx context.Context, db *gorm.DB, provider, dedupeKey string) (*TransactionRecord, error)
	// Finalize moves a pending record to a final status. It reports false when
	// the record was no longer pending.
	Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, update FinalizeUpdate) (bool, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, afterID snowflake.ID, limit int) ([]*TransactionRecord, error)
}

type FinalizeUpdate struct {
	Status      TransactionStatus
	AccountID   *snowflake.ID
	Tier        string
	PriceID     string
	Quantity    int64
	Error       string
	ProcessedAt time.Time
}
