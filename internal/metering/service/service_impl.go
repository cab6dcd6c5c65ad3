package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/scrapexi/creditledger/internal/metering/domain"
	"github.com/scrapexi/creditledger/internal/observability/logger"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	LedgerSvc  ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledgerSvc  ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("metering.service"),
		ledgerSvc:  p.LedgerSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ReserveUnit(ctx context.Context, accountID snowflake.ID) (domain.Decision, error) {
	return s.Reserve(ctx, accountID, 1)
}

func (s *Service) Reserve(ctx context.Context, accountID snowflake.ID, units int64) (domain.Decision, error) {
	if units < 1 {
		return domain.Decision{}, domain.ErrInvalidUnits
	}

	var (
		seen             ledgerdomain.Account
		fromSubscription int64
		fromCredits      int64
	)
	account, err := s.ledgerSvc.Mutate(ctx, accountID, func(a *ledgerdomain.Account) error {
		seen = a.Clone()
		if a.Available() < units {
			return domain.ErrQuotaExhausted
		}
		remaining := a.ItemsLimit - a.ItemsUsed
		if remaining < 0 {
			remaining = 0
		}
		fromSubscription = min(units, remaining)
		fromCredits = units - fromSubscription
		a.ItemsUsed += fromSubscription
		a.OneTimeCredits -= fromCredits
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExhausted) {
			s.obsMetrics.RecordReservation(ctx, "denied", string(domain.SourceNone), string(seen.Tier), units)
			logger.WithAccount(logger.WithContext(ctx, s.log), accountID.String()).Debug("metering.reservation.denied",
				zap.Int64("units", units),
				zap.Int64("available", seen.Available()),
			)
			return domain.Decision{
				Granted: false,
				Reason:  domain.ReasonQuotaExhausted,
				Source:  domain.SourceNone,
				Units:   units,
				Summary: ledgerdomain.SummaryOf(seen),
			}, domain.ErrQuotaExhausted
		}
		return domain.Decision{}, err
	}

	source := sourceOf(fromSubscription, fromCredits)
	s.obsMetrics.RecordReservation(ctx, "granted", string(source), string(account.Tier), units)
	return domain.Decision{
		Granted:          true,
		Source:           source,
		Units:            units,
		FromSubscription: fromSubscription,
		FromCredits:      fromCredits,
		Summary:          ledgerdomain.SummaryOf(account),
	}, nil
}

func sourceOf(fromSubscription, fromCredits int64) domain.Source {
	switch {
	case fromSubscription > 0 && fromCredits > 0:
		return domain.SourceMixed
	case fromCredits > 0:
		return domain.SourceOneTimeCredits
	default:
		return domain.SourceSubscription
	}
}
