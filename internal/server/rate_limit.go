package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/scrapexi/creditledger/internal/observability/logger"
	"go.uber.org/zap"
)

// ReservationRateLimit throttles reservation calls per account before they
// reach the ledger. Redis errors fail open so an outage does not stop metering.
func (s *Server) ReservationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.reservationLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		accountID := strings.TrimSpace(c.Param("id"))
		result, err := s.reservationLimiter.Allow(ctx, accountID)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("ratelimit.reservation.check_failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			logger.WithContext(ctx, s.log).Info("ratelimit.reservation.denied", zap.String("account_id", accountID))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
