package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

const accountColumns = `id, external_id, email, tier, items_limit, items_used, one_time_credits,
	subscription_status, subscription_id, subscription_price_id, stripe_customer_id,
	subscription_renewal_date, last_credit_refresh_date, last_annual_reset_year,
	version, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.ExternalID,
		account.Email,
		account.Tier,
		account.ItemsLimit,
		account.ItemsUsed,
		account.OneTimeCredits,
		account.SubscriptionStatus,
		account.SubscriptionID,
		account.SubscriptionPriceID,
		account.StripeCustomerID,
		account.SubscriptionRenewalDate,
		account.LastCreditRefreshDate,
		account.LastAnnualResetYear,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Account, error) {
	return r.findOne(ctx, db, `external_id = ?`, externalID)
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Account, error) {
	return r.findOne(ctx, db, `lower(email) = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *repo) FindByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*domain.Account, error) {
	return r.findOne(ctx, db, `stripe_customer_id = ?`, customerID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM accounts WHERE `+where+` ORDER BY id ASC LIMIT 1`,
		arg,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, account *domain.Account, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET
			email = ?,
			tier = ?,
			items_limit = ?,
			items_used = ?,
			one_time_credits = ?,
			subscription_status = ?,
			subscription_id = ?,
			subscription_price_id = ?,
			stripe_customer_id = ?,
			subscription_renewal_date = ?,
			last_credit_refresh_date = ?,
			last_annual_reset_year = ?,
			updated_at = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		account.Email,
		account.Tier,
		account.ItemsLimit,
		account.ItemsUsed,
		account.OneTimeCredits,
		account.SubscriptionStatus,
		account.SubscriptionID,
		account.SubscriptionPriceID,
		account.StripeCustomerID,
		account.SubscriptionRenewalDate,
		account.LastCreditRefreshDate,
		account.LastAnnualResetYear,
		account.UpdatedAt,
		account.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListAnnualResetDue(ctx context.Context, db *gorm.DB, year int, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM accounts
		 WHERE last_annual_reset_year < ? AND created_at < ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		year,
		time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListCanceledExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM accounts
		 WHERE subscription_status = ?
		   AND tier <> ?
		   AND subscription_renewal_date IS NOT NULL
		   AND subscription_renewal_date <= ?
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.SubscriptionStatusCanceled,
		domain.TierFree,
		now.UTC(),
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
