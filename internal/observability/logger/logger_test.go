package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/scrapexi/creditledger/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithAccountID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "service", "engine")

	WithContext(ctx, base).Info("ledger.mutated")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id, got %v", fields["request_id"])
	}
	if fields["account_id"] != "42" {
		t.Fatalf("expected account_id, got %v", fields["account_id"])
	}
	if fields["actor_type"] != "service" || fields["actor_id"] != "engine" {
		t.Fatalf("expected actor fields, got %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("expected no trace_id without a span")
	}
}

func TestGinMiddlewareAssignsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{Base: zap.New(core)}))
	r.GET("/v1/accounts/:id/summary", func(c *gin.Context) {
		if obscontext.RequestIDFromContext(c.Request.Context()) == "" {
			t.Errorf("expected request id in context")
		}
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/1/summary", nil)
	r.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	entries := logs.FilterMessage("http.request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 request log, got %d", len(entries))
	}
	if entries[0].ContextMap()["route"] != "/v1/accounts/:id/summary" {
		t.Fatalf("unexpected route %v", entries[0].ContextMap()["route"])
	}
}

func TestGinMiddlewareKeepsIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{Base: zap.NewNop()}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "upstream-id")
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "upstream-id" {
		t.Fatalf("expected upstream-id, got %q", got)
	}
}

func TestSamplingCoreKeepsLedgerEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(newSamplingCore(core, Config{
		SamplingInitial:    1,
		SamplingThereafter: 1000,
		SamplingWindow:     time.Minute,
	}))

	for i := 0; i < 5; i++ {
		log.Named("http").Info("http.request")
		log.Named("ledger.service").Info("ledger.account.mutated")
	}

	if got := logs.FilterMessage("http.request").Len(); got != 1 {
		t.Fatalf("expected sampled http entries to collapse to 1, got %d", got)
	}
	if got := logs.FilterMessage("ledger.account.mutated").Len(); got != 5 {
		t.Fatalf("expected every ledger entry, got %d", got)
	}
}
