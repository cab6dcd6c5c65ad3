package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recordColumns = `id, provider, provider_event_id, dedupe_key, account_id, kind, quantity,
	tier, price_id, status, error, payload, received_at, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, record *domain.TransactionRecord) (bool, error) {
	res := insertPending(db.WithContext(ctx), record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// insertPending skips the row when the delivery is already recorded. The
// dialector renders the conflict clause for its own engine.
func insertPending(db *gorm.DB, record *domain.TransactionRecord) *gorm.DB {
	record.Status = domain.StatusPending
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(record)
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.TransactionRecord, error) {
	var item domain.TransactionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_transactions
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindAppliedByDedupeKey(ctx context.Context, db *gorm.DB, provider, dedupeKey string) (*domain.TransactionRecord, error) {
	if dedupeKey == "" {
		return nil, nil
	}
	var item domain.TransactionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_transactions
		 WHERE provider = ? AND dedupe_key = ? AND status = ?
		 LIMIT 1`,
		provider,
		dedupeKey,
		domain.StatusApplied,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.FinalizeUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, account_id = COALESCE(?, account_id), tier = ?, price_id = ?,
			quantity = ?, error = ?, processed_at = ?
		 WHERE id = ? AND status = ?`,
		update.Status,
		update.AccountID,
		update.Tier,
		update.PriceID,
		update.Quantity,
		update.Error,
		update.ProcessedAt,
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, afterID snowflake.ID, limit int) ([]*domain.TransactionRecord, error) {
	var items []*domain.TransactionRecord
	stmt := db.WithContext(ctx).
		Model(&domain.TransactionRecord{}).
		Select(recordColumns).
		Where("account_id = ?", accountID)
	if afterID != 0 {
		stmt = stmt.Where("id < ?", afterID)
	}
	err := stmt.
		Order("id desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
