package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/scrapexi/creditledger/pkg/db"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BreakerSettings controls when storage failures open the circuit.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         10 * time.Second,
	}
}

func newBreaker(cfg BreakerSettings, log *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerSettings().OpenTimeout
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "ledger.store",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return !isStoreFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("ledger.breaker.state_changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// isStoreFailure separates infrastructure errors from caller mistakes.
func isStoreFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gorm.ErrRecordNotFound), db.IsDuplicateKeyErr(err):
		return false
	default:
		return true
	}
}

func (s *Service) guard(fn func() error) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}
