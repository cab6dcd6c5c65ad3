package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/scrapexi/creditledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSafeAttributesDropsUnknownKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/:provider"),
		attribute.String("customer_email", "a@example.com"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route, got %v", attrs)
	}
}

func TestSafeErrorTrimsDetails(t *testing.T) {
	err := fmt.Errorf("payment_invalid_payload: %w", errors.New("email a@example.com"))
	if got := SafeError(err).Error(); got != "payment_invalid_payload" {
		t.Fatalf("unexpected safe error %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestGinMiddlewareRecordsRouteSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/v1/accounts/:id/reservations", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), c.Param("id")))
		c.Status(http.StatusPaymentRequired)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts/7/reservations", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "HTTP POST /v1/accounts/:id/reservations" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code == codes.Error {
		t.Fatalf("quota denial should not mark the span as failed")
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["account.id"].AsString() != "7" {
		t.Fatalf("expected account.id attribute, got %v", attrs)
	}
	if !attrs["metering.quota_exhausted"].AsBool() {
		t.Fatalf("expected quota attribute, got %v", attrs)
	}
}
