package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	"github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return m.Called(account).Error(0)
}

func (m *mockRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	args := m.Called(id)
	account, _ := args.Get(0).(*domain.Account)
	return account, args.Error(1)
}

func (m *mockRepo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Account, error) {
	args := m.Called(externalID)
	account, _ := args.Get(0).(*domain.Account)
	return account, args.Error(1)
}

func (m *mockRepo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Account, error) {
	args := m.Called(email)
	account, _ := args.Get(0).(*domain.Account)
	return account, args.Error(1)
}

func (m *mockRepo) FindByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*domain.Account, error) {
	args := m.Called(customerID)
	account, _ := args.Get(0).(*domain.Account)
	return account, args.Error(1)
}

func (m *mockRepo) UpdateVersioned(ctx context.Context, db *gorm.DB, account *domain.Account, expectedVersion int64) (bool, error) {
	args := m.Called(account, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) ListAnnualResetDue(ctx context.Context, db *gorm.DB, year int, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	args := m.Called(year, afterID, limit)
	ids, _ := args.Get(0).([]snowflake.ID)
	return ids, args.Error(1)
}

func (m *mockRepo) ListCanceledExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	args := m.Called(now, afterID, limit)
	ids, _ := args.Get(0).([]snowflake.ID)
	return ids, args.Error(1)
}

func newMockedService(repo domain.Repository) *Service {
	node, _ := snowflake.NewNode(2)
	return NewService(Params{
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repo,
		Clock:   clock.NewFakeClock(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)),
		Catalog: config.NewStaticCatalogHolder(config.DefaultCatalog()),
		Breaker: BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: time.Minute},
	}).(*Service)
}

func TestBreakerOpensOnStoreFailures(t *testing.T) {
	repo := &mockRepo{}
	repo.On("FindByID", snowflake.ID(1)).Return(nil, errors.New("connection refused"))
	svc := newMockedService(repo)

	for i := 0; i < 3; i++ {
		if _, err := svc.GetAccount(context.Background(), 1); errors.Is(err, domain.ErrStoreUnavailable) {
			t.Fatalf("breaker opened too early on call %d", i)
		}
	}
	if _, err := svc.GetAccount(context.Background(), 1); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	repo.AssertNumberOfCalls(t, "FindByID", 3)
}

func TestBreakerIgnoresDomainOutcomes(t *testing.T) {
	repo := &mockRepo{}
	repo.On("FindByID", snowflake.ID(1)).Return(nil, nil)
	repo.On("FindByID", snowflake.ID(2)).Return(&domain.Account{ID: 2, Tier: domain.TierFree, Version: 1, SubscriptionStatus: domain.SubscriptionStatusNone}, nil)
	repo.On("UpdateVersioned", mock.Anything, int64(1)).Return(false, nil)
	svc := newMockedService(repo)

	for i := 0; i < 5; i++ {
		if _, err := svc.GetAccount(context.Background(), 1); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		_, err := svc.ApplyLedgerMutation(context.Background(), 2, func(a *domain.Account) error {
			a.ItemsUsed++
			return nil
		}, 1)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	}
}
