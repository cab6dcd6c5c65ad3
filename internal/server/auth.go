package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/scrapexi/creditledger/internal/observability/context"
)

const (
	contextAuthTypeKey   = "auth_type"
	contextExternalIDKey = "external_id"

	authTypeServiceKey = "service_key"
	authTypeDashboard  = "dashboard"
)

// ServiceKeyRequired authenticates the scraping engine and internal callers
// with the shared service key sent as a bearer token.
func (s *Server) ServiceKeyRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.Auth.ServiceAPIKey))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAuthTypeKey, authTypeServiceKey)
		ctx := obscontext.WithActor(c.Request.Context(), authTypeServiceKey, "service")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// DashboardAuthRequired accepts HS256 tokens issued by the dashboard. The
// subject is the account's external id.
func (s *Server) DashboardAuthRequired() gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(s.cfg.Auth.DashboardJWTSecret))
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		raw, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, errors.Join(ErrUnauthorized, err))
			return
		}
		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAuthTypeKey, authTypeDashboard)
		c.Set(contextExternalIDKey, subject)
		ctx := obscontext.WithActor(c.Request.Context(), authTypeDashboard, subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}
