package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	"github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/scrapexi/creditledger/internal/observability/logger"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	"github.com/scrapexi/creditledger/pkg/db"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	Catalog    config.CatalogReader
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Retry      domain.RetryPolicy  `optional:"true"`
	Breaker    BreakerSettings     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	catalog    config.CatalogReader
	obsMetrics *obsmetrics.Metrics
	retry      domain.RetryPolicy
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

func NewService(p Params) domain.Service {
	retry := withRetryDefaults(p.Retry)
	log := p.Log.Named("ledger.service")
	return &Service{
		db:         p.DB,
		log:        log,
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		catalog:    p.Catalog,
		obsMetrics: p.ObsMetrics,
		retry:      retry,
		breaker:    newBreaker(p.Breaker, log),
	}
}

func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (domain.Account, error) {
	externalID := strings.TrimSpace(req.ExternalID)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email != "" && !strings.Contains(email, "@") {
		return domain.Account{}, domain.ErrInvalidEmail
	}

	if externalID != "" {
		existing, err := s.findBy(ctx, s.db, s.repo.FindByExternalID, externalID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Account{}, err
		}
	}

	freeLimit, ok := s.catalog.Get().LimitFor(string(domain.TierFree))
	if !ok {
		return domain.Account{}, domain.ErrInvalidTier
	}

	now := s.clock.Now()
	account := domain.Account{
		ID:                 s.genID.Generate(),
		Email:              email,
		Tier:               domain.TierFree,
		ItemsLimit:         freeLimit,
		SubscriptionStatus: domain.SubscriptionStatusNone,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	// A signup has nothing to reset until the next January.
	account.LastAnnualResetYear = now.UTC().Year()
	if externalID != "" {
		account.ExternalID = &externalID
	}

	err := s.guard(func() error {
		return s.repo.Insert(ctx, s.db, &account)
	})
	if err != nil {
		// A concurrent signup with the same subject won the insert.
		if externalID != "" && db.IsDuplicateKeyErr(err) {
			return s.findBy(ctx, s.db, s.repo.FindByExternalID, externalID)
		}
		return domain.Account{}, err
	}

	logger.WithAccount(logger.WithContext(ctx, s.log), account.ID.String()).Info("ledger.account.created",
		zap.String("tier", string(account.Tier)),
		zap.Int64("items_limit", account.ItemsLimit),
	)
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (domain.Account, error) {
	return s.GetAccountTx(ctx, s.db, id)
}

func (s *Service) GetAccountTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Account, error) {
	if id == 0 {
		return domain.Account{}, domain.ErrInvalidID
	}
	var item *domain.Account
	err := s.guard(func() error {
		var err error
		item, err = s.repo.FindByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	if item == nil {
		return domain.Account{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (domain.Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Account{}, domain.ErrNotFound
	}
	return s.findBy(ctx, s.db, s.repo.FindByExternalID, externalID)
}

func (s *Service) FindByEmail(ctx context.Context, tx *gorm.DB, email string) (domain.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.Account{}, domain.ErrNotFound
	}
	return s.findBy(ctx, s.orDefault(tx), s.repo.FindByEmail, email)
}

func (s *Service) FindByStripeCustomer(ctx context.Context, tx *gorm.DB, customerID string) (domain.Account, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Account{}, domain.ErrNotFound
	}
	return s.findBy(ctx, s.orDefault(tx), s.repo.FindByStripeCustomer, customerID)
}

type finder func(ctx context.Context, db *gorm.DB, value string) (*domain.Account, error)

func (s *Service) findBy(ctx context.Context, tx *gorm.DB, find finder, value string) (domain.Account, error) {
	var item *domain.Account
	err := s.guard(func() error {
		var err error
		item, err = find(ctx, tx, value)
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	if item == nil {
		return domain.Account{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) orDefault(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return s.db
	}
	return tx
}

func (s *Service) ApplyLedgerMutation(ctx context.Context, id snowflake.ID, mutation domain.Mutation, expectedVersion int64) (domain.Account, error) {
	return s.ApplyLedgerMutationTx(ctx, s.db, id, mutation, expectedVersion)
}

func (s *Service) ApplyLedgerMutationTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, mutation domain.Mutation, expectedVersion int64) (domain.Account, error) {
	if mutation == nil {
		return domain.Account{}, domain.ErrInvalidMutation
	}
	current, err := s.GetAccountTx(ctx, tx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if current.Version != expectedVersion {
		s.obsMetrics.RecordLedgerConflict(ctx, "version_mismatch")
		return domain.Account{}, domain.ErrConflict
	}

	next := current.Clone()
	if err := mutation(&next); err != nil {
		if errors.Is(err, domain.ErrNoChange) {
			return current, nil
		}
		return domain.Account{}, err
	}

	// Identity and bookkeeping fields are owned by the store.
	next.ID = current.ID
	next.Version = current.Version
	next.CreatedAt = current.CreatedAt
	next.ExternalID = current.ExternalID
	if err := next.Validate(); err != nil {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, err)
	}
	next.UpdatedAt = s.clock.Now()

	var updated bool
	err = s.guard(func() error {
		var err error
		updated, err = s.repo.UpdateVersioned(ctx, tx, &next, expectedVersion)
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	if !updated {
		s.obsMetrics.RecordLedgerConflict(ctx, "cas_lost")
		return domain.Account{}, domain.ErrConflict
	}

	next.Version = expectedVersion + 1
	s.obsMetrics.RecordLedgerMutation(ctx, "cas")
	return next, nil
}

func (s *Service) Mutate(ctx context.Context, id snowflake.ID, mutation domain.Mutation) (domain.Account, error) {
	attempt := 0
	op := func() (domain.Account, error) {
		attempt++
		current, err := s.GetAccount(ctx, id)
		if err != nil {
			return domain.Account{}, s.classifyRetry(err)
		}
		account, err := s.ApplyLedgerMutation(ctx, id, mutation, current.Version)
		if err != nil {
			return domain.Account{}, s.classifyRetry(err)
		}
		return account, nil
	}

	account, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.retry.MaxTries),
		backoff.WithMaxElapsedTime(s.retry.MaxElapsedTime),
	)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.WithAccount(logger.WithContext(ctx, s.log), id.String()).Warn("ledger.mutate.retries_exhausted",
				zap.Int("attempts", attempt),
			)
		}
		return domain.Account{}, err
	}
	return account, nil
}

func (s *Service) classifyRetry(err error) error {
	if errors.Is(err, domain.ErrConflict) {
		return err
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return backoff.Permanent(err)
	}
	if db.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	return b
}

func (s *Service) GetSummary(ctx context.Context, id snowflake.ID) (domain.Summary, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.SummaryOf(account), nil
}

func (s *Service) OverrideSubscription(ctx context.Context, id snowflake.ID, req domain.OverrideRequest) (domain.Account, error) {
	tier, ok := domain.ParseTier(req.Tier)
	if !ok {
		return domain.Account{}, domain.ErrInvalidTier
	}
	limit, ok := s.catalog.Get().LimitFor(string(tier))
	if !ok {
		return domain.Account{}, domain.ErrInvalidTier
	}
	status := req.Status
	if status == "" {
		status = domain.SubscriptionStatusActive
	}
	if !status.Valid() {
		return domain.Account{}, domain.ErrInvalidMutation
	}

	account, err := s.Mutate(ctx, id, func(a *domain.Account) error {
		a.Tier = tier
		a.ItemsLimit = limit
		a.SubscriptionStatus = status
		if v := strings.TrimSpace(req.SubscriptionID); v != "" {
			a.SubscriptionID = v
		}
		if v := strings.TrimSpace(req.PriceID); v != "" {
			a.SubscriptionPriceID = v
		}
		if a.SubscriptionRenewalDate == nil && tier != domain.TierFree {
			renewal := s.clock.Now().AddDate(0, 1, 0)
			a.SubscriptionRenewalDate = &renewal
		}
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}

	logger.WithAccount(logger.WithContext(ctx, s.log), id.String()).Info("ledger.subscription.overridden",
		zap.String("tier", string(account.Tier)),
		zap.Int64("items_limit", account.ItemsLimit),
		zap.Int64("items_used", account.ItemsUsed),
		zap.String("status", string(account.SubscriptionStatus)),
	)
	return account, nil
}

func (s *Service) ListAnnualResetDue(ctx context.Context, year int, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.guard(func() error {
		var err error
		ids, err = s.repo.ListAnnualResetDue(ctx, s.db, year, afterID, normalizeLimit(limit))
		return err
	})
	return ids, err
}

func (s *Service) ListCanceledExpired(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.guard(func() error {
		var err error
		ids, err = s.repo.ListCanceledExpired(ctx, s.db, now, afterID, normalizeLimit(limit))
		return err
	})
	return ids, err
}

func withRetryDefaults(p domain.RetryPolicy) domain.RetryPolicy {
	def := domain.DefaultRetryPolicy()
	if p.MaxTries == 0 {
		p.MaxTries = def.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = def.MaxElapsedTime
	}
	return p
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
