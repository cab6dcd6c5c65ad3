package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Mutation edits a copy of the account. Returning an error aborts the write.
type Mutation func(*Account) error

type CreateAccountRequest struct {
	ExternalID string
	Email      string
}

type OverrideRequest struct {
	Tier           string
	SubscriptionID string
	PriceID        string
	Status         SubscriptionStatus
}

// RetryPolicy bounds the read-modify-write loop behind Mutate.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        10,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  5 * time.Second,
	}
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (Account, error)
	GetAccount(ctx context.Context, id snowflake.ID) (Account, error)
	GetAccountTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Account, error)
	GetByExternalID(ctx context.Context, externalID string) (Account, error)
	FindByEmail(ctx context.Context, tx *gorm.DB, email string) (Account, error)
	FindByStripeCustomer(ctx context.Context, tx *gorm.DB, customerID string) (Account, error)

	// ApplyLedgerMutation performs a single compare-and-swap write.
	ApplyLedgerMutation(ctx context.Context, id snowflake.ID, mutation Mutation, expectedVersion int64) (Account, error)
	ApplyLedgerMutationTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, mutation Mutation, expectedVersion int64) (Account, error)
	// Mutate re-reads and retries ApplyLedgerMutation until the write lands.
	Mutate(ctx context.Context, id snowflake.ID, mutation Mutation) (Account, error)

	GetSummary(ctx context.Context, id snowflake.ID) (Summary, error)
	OverrideSubscription(ctx context.Context, id snowflake.ID, req OverrideRequest) (Account, error)

	ListAnnualResetDue(ctx context.Context, year int, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
	ListCanceledExpired(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
