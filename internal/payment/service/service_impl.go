package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/scrapexi/creditledger/internal/observability/logger"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	"github.com/scrapexi/creditledger/pkg/db"
	"github.com/scrapexi/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Catalog    config.CatalogReader
	LedgerSvc  ledgerdomain.Service
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
	Retry      ledgerdomain.RetryPolicy `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	catalog    config.CatalogReader
	ledgerSvc  ledgerdomain.Service
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
	retry      ledgerdomain.RetryPolicy
}

func NewService(p Params) paymentdomain.Reconciler {
	retry := p.Retry
	if retry.MaxTries == 0 {
		retry = ledgerdomain.DefaultRetryPolicy()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.reconciler"),
		genID:      p.GenID,
		clock:      p.Clock,
		catalog:    p.Catalog,
		ledgerSvc:  p.LedgerSvc,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		retry:      retry,
	}
}

func (s *Service) HandleEvent(ctx context.Context, event paymentdomain.Event) (paymentdomain.Result, error) {
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidProvider
	}
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("kind", string(event.Kind)),
	)

	if event.ProviderEventID == "" {
		log.Warn("reconciler.event.rejected", zap.String("reason", paymentdomain.ReasonMissingEventID))
		s.record(ctx, event, paymentdomain.OutcomeRejectedInvalid)
		return paymentdomain.Result{
			Outcome: paymentdomain.OutcomeRejectedInvalid,
			Reason:  paymentdomain.ReasonMissingEventID,
		}, nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}

	now := s.clock.Now()
	received := paymentdomain.TransactionRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		DedupeKey:       strings.TrimSpace(event.DedupeKey),
		Kind:            recordKind(event),
		Quantity:        event.Quantity,
		Tier:            event.Tier,
		PriceID:         event.PriceID,
		Payload:         payloadJSON(event.RawPayload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertPending(ctx, s.db, &received)
	if err != nil {
		return paymentdomain.Result{}, err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindByEventID(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return paymentdomain.Result{}, err
		}
		if stored == nil {
			return paymentdomain.Result{}, paymentdomain.ErrRecordConflict
		}
		if stored.Status.Final() {
			result := finalResult(stored)
			log.Info("reconciler.event.redelivered",
				zap.String("transaction_id", stored.ID.String()),
				zap.String("outcome", string(result.Outcome)),
			)
			s.record(ctx, event, result.Outcome)
			return result, nil
		}
	}

	if !event.Kind.Known() || event.InvalidReason != "" {
		reason := event.InvalidReason
		if reason == "" {
			reason = paymentdomain.ReasonUnknownKind
		}
		if _, err := s.repo.Finalize(ctx, s.db, stored.ID, paymentdomain.FinalizeUpdate{
			Status:      paymentdomain.StatusRejectedInvalid,
			Tier:        stored.Tier,
			PriceID:     stored.PriceID,
			Quantity:    stored.Quantity,
			Error:       reason,
			ProcessedAt: s.clock.Now(),
		}); err != nil {
			return paymentdomain.Result{}, err
		}
		log.Warn("reconciler.event.rejected",
			zap.String("transaction_id", stored.ID.String()),
			zap.String("reason", reason),
			zap.String("provider_type", event.ProviderType),
		)
		s.record(ctx, event, paymentdomain.OutcomeRejectedInvalid)
		return paymentdomain.Result{
			Outcome:       paymentdomain.OutcomeRejectedInvalid,
			TransactionID: stored.ID,
			Reason:        reason,
		}, nil
	}

	attempt := 0
	result, err := backoff.Retry(ctx, func() (paymentdomain.Result, error) {
		attempt++
		result, err := s.applyOnce(ctx, stored.ID, event)
		if err == nil {
			return result, nil
		}
		if isRetryable(err) {
			log.Debug("reconciler.event.retry", zap.Int("attempt", attempt), zap.Error(err))
			return paymentdomain.Result{}, err
		}
		return paymentdomain.Result{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.retry.MaxTries),
		backoff.WithMaxElapsedTime(s.retry.MaxElapsedTime),
	)
	if errors.Is(err, paymentdomain.ErrAccountNotResolved) {
		log.Warn("reconciler.event.deferred",
			zap.String("transaction_id", stored.ID.String()),
			zap.String("reason", paymentdomain.ReasonAccountNotFound),
		)
		return paymentdomain.Result{TransactionID: stored.ID, Reason: paymentdomain.ReasonAccountNotFound}, err
	}
	if err != nil {
		log.Error("reconciler.event.failed",
			zap.String("transaction_id", stored.ID.String()),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return paymentdomain.Result{}, err
	}

	fields := []zap.Field{
		zap.String("transaction_id", result.TransactionID.String()),
		zap.String("account_id", result.AccountID.String()),
	}
	switch result.Outcome {
	case paymentdomain.OutcomeApplied:
		log.Info("reconciler.event.applied", fields...)
	case paymentdomain.OutcomeRejectedDuplicate:
		log.Info("reconciler.event.duplicate", append(fields, zap.String("dedupe_key", received.DedupeKey))...)
	default:
		log.Warn("reconciler.event.rejected", append(fields, zap.String("reason", result.Reason))...)
	}
	s.record(ctx, event, result.Outcome)
	return result, nil
}

// applyOnce runs account resolution, the ledger write and the record
// transition in one transaction so both commit or neither does.
func (s *Service) applyOnce(ctx context.Context, recordID snowflake.ID, event paymentdomain.Event) (paymentdomain.Result, error) {
	var result paymentdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByEventID(ctx, tx, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if current == nil || current.ID != recordID {
			return paymentdomain.ErrRecordConflict
		}
		if current.Status.Final() {
			result = finalResult(current)
			return nil
		}

		reject := func(status paymentdomain.TransactionStatus, reason string, accountID *snowflake.ID) error {
			ok, err := s.repo.Finalize(ctx, tx, current.ID, paymentdomain.FinalizeUpdate{
				Status:      status,
				AccountID:   accountID,
				Tier:        current.Tier,
				PriceID:     current.PriceID,
				Quantity:    current.Quantity,
				Error:       reason,
				ProcessedAt: s.clock.Now(),
			})
			if err != nil {
				return err
			}
			if !ok {
				return paymentdomain.ErrRecordConflict
			}
			result = paymentdomain.Result{
				Outcome:       outcomeOf(status),
				TransactionID: current.ID,
				Reason:        reason,
			}
			if accountID != nil {
				result.AccountID = *accountID
			}
			return nil
		}

		account, err := s.resolveAccount(ctx, tx, event)
		if errors.Is(err, ledgerdomain.ErrNotFound) {
			return paymentdomain.ErrAccountNotResolved
		}
		if err != nil {
			return err
		}
		accountID := account.ID

		if current.DedupeKey != "" {
			applied, err := s.repo.FindAppliedByDedupeKey(ctx, tx, event.Provider, current.DedupeKey)
			if err != nil {
				return err
			}
			if applied != nil && applied.ID != current.ID {
				return reject(paymentdomain.StatusRejectedDuplicate, paymentdomain.ReasonAlreadyApplied, &accountID)
			}
		}

		p, err := planFor(event, s.catalog.Get())
		var invalid invalidEvent
		if errors.As(err, &invalid) {
			return reject(paymentdomain.StatusRejectedInvalid, invalid.reason, &accountID)
		}
		if err != nil {
			return err
		}

		if _, err := s.ledgerSvc.ApplyLedgerMutationTx(ctx, tx, account.ID, p.mutation, account.Version); err != nil {
			if errors.Is(err, ledgerdomain.ErrInvalidMutation) || errors.Is(err, ledgerdomain.ErrInvalidTier) {
				return reject(paymentdomain.StatusRejectedInvalid, err.Error(), &accountID)
			}
			return err
		}

		ok, err := s.repo.Finalize(ctx, tx, current.ID, paymentdomain.FinalizeUpdate{
			Status:      paymentdomain.StatusApplied,
			AccountID:   &accountID,
			Tier:        p.tier,
			PriceID:     p.priceID,
			Quantity:    p.quantity,
			ProcessedAt: s.clock.Now(),
		})
		if err != nil {
			// The partial unique index rejects a second applied row per dedupe key.
			if db.IsDuplicateKeyErr(err) {
				return paymentdomain.ErrRecordConflict
			}
			return err
		}
		if !ok {
			return paymentdomain.ErrRecordConflict
		}
		result = paymentdomain.Result{
			Outcome:       paymentdomain.OutcomeApplied,
			TransactionID: current.ID,
			AccountID:     accountID,
		}
		return nil
	})
	if err != nil {
		return paymentdomain.Result{}, err
	}
	return result, nil
}

func (s *Service) resolveAccount(ctx context.Context, tx *gorm.DB, event paymentdomain.Event) (ledgerdomain.Account, error) {
	if event.AccountID != 0 {
		account, err := s.ledgerSvc.GetAccountTx(ctx, tx, event.AccountID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return ledgerdomain.Account{}, err
		}
	}
	if event.CustomerID != "" {
		account, err := s.ledgerSvc.FindByStripeCustomer(ctx, tx, event.CustomerID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return ledgerdomain.Account{}, err
		}
	}
	if event.CustomerEmail != "" {
		return s.ledgerSvc.FindByEmail(ctx, tx, event.CustomerEmail)
	}
	return ledgerdomain.Account{}, ledgerdomain.ErrNotFound
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (paymentdomain.ListTransactionsResponse, error) {
	if accountID == 0 {
		return paymentdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidID
	}
	var afterID snowflake.ID
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return paymentdomain.ListTransactionsResponse{}, err
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return paymentdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
	}

	size := page.Size()
	items, err := s.repo.ListByAccount(ctx, s.db, accountID, afterID, size+1)
	if err != nil {
		return paymentdomain.ListTransactionsResponse{}, err
	}
	items, info := pagination.BuildCursorPageInfo(items, size, func(item *paymentdomain.TransactionRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.ReceivedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})

	out := make([]paymentdomain.TransactionRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, *item)
	}
	return paymentdomain.ListTransactionsResponse{PageInfo: info, Transactions: out}, nil
}

func (s *Service) record(ctx context.Context, event paymentdomain.Event, outcome paymentdomain.Outcome) {
	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, recordKind(event), string(outcome))
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.retry.InitialInterval > 0 {
		b.InitialInterval = s.retry.InitialInterval
	}
	if s.retry.MaxInterval > 0 {
		b.MaxInterval = s.retry.MaxInterval
	}
	return b
}

func isRetryable(err error) bool {
	return errors.Is(err, ledgerdomain.ErrConflict) ||
		errors.Is(err, paymentdomain.ErrRecordConflict) ||
		db.IsRetryable(err)
}

func recordKind(event paymentdomain.Event) string {
	if event.Kind.Known() {
		return string(event.Kind)
	}
	if event.ProviderType != "" {
		return event.ProviderType
	}
	return string(event.Kind)
}

func payloadJSON(payload []byte) datatypes.JSON {
	if len(payload) == 0 || !json.Valid(payload) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(payload)
}

func finalResult(record *paymentdomain.TransactionRecord) paymentdomain.Result {
	result := paymentdomain.Result{
		TransactionID: record.ID,
		Reason:        record.Error,
	}
	if record.AccountID != nil {
		result.AccountID = *record.AccountID
	}
	switch record.Status {
	case paymentdomain.StatusRejectedInvalid:
		result.Outcome = paymentdomain.OutcomeRejectedInvalid
	default:
		// Applied and duplicate records both mean the delivery was already consumed.
		result.Outcome = paymentdomain.OutcomeRejectedDuplicate
	}
	return result
}

func outcomeOf(status paymentdomain.TransactionStatus) paymentdomain.Outcome {
	switch status {
	case paymentdomain.StatusApplied:
		return paymentdomain.OutcomeApplied
	case paymentdomain.StatusRejectedDuplicate:
		return paymentdomain.OutcomeRejectedDuplicate
	default:
		return paymentdomain.OutcomeRejectedInvalid
	}
}
