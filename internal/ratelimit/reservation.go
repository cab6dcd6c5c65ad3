package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/scrapexi/creditledger/internal/config"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyReservation      = "creditledger:ratelimit:reservation:%s"
	endpointReservation = "reservations"
)

type ReservationLimiterParams struct {
	fx.In

	Cfg        config.Config
	Client     redis.UniversalClient `optional:"true"`
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// ReservationLimiter throttles reservation calls per account. A nil or
// disabled limiter allows everything.
type ReservationLimiter struct {
	bucket     *TokenBucket
	rate       float64
	burst      int
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewReservationLimiter(p ReservationLimiterParams) (*ReservationLimiter, error) {
	cfg := p.Cfg.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Client == nil {
		return nil, fmt.Errorf("rate limit requires redis: %w", ErrLimiterNotConfigured)
	}
	if cfg.ReservationRate <= 0 || cfg.ReservationBurst <= 0 {
		return nil, fmt.Errorf("reservation rate and burst must be positive: %w", ErrInvalidBucket)
	}
	return &ReservationLimiter{
		bucket:     NewTokenBucket(p.Client),
		rate:       cfg.ReservationRate,
		burst:      cfg.ReservationBurst,
		log:        p.Log.Named("ratelimit.reservation"),
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (l *ReservationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one reservation token for accountID.
func (l *ReservationLimiter) Allow(ctx context.Context, accountID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyReservation, strings.TrimSpace(accountID))
	result, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("ratelimit.reservation.error", zap.String("account_id", accountID), zap.Error(err))
		l.obsMetrics.RecordRateLimitDenied(ctx, endpointReservation, "error")
		return result, err
	}
	if result.Allowed {
		l.obsMetrics.RecordRateLimitAllowed(ctx, endpointReservation)
	} else {
		l.obsMetrics.RecordRateLimitDenied(ctx, endpointReservation, "limit")
	}
	return result, nil
}
