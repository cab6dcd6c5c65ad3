package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tier", "Pro"),
		attribute.String("account_id", "456"),
		attribute.String("outcome", "granted"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" {
			t.Fatalf("expected account_id to be dropped")
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordReservation(context.Background(), "granted", "subscription", "Free", 1)
	m.RecordPaymentEvent(context.Background(), "stripe", "one_time_purchase", "applied")
	m.RecordLedgerConflict(context.Background(), "metering")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "creditledger"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordReservation(context.Background(), "denied", "", "Starter", 1)
	m.RecordLedgerMutation(context.Background(), "reconciler")
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{ServiceName: "creditledger"})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.POST("/v1/accounts/:id/reservations", func(c *gin.Context) {
		c.Status(http.StatusPaymentRequired)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts/7/reservations", nil))

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "/v1/accounts/:id/reservations", "402"))
	if got != 1 {
		t.Fatalf("expected one 402 request, got %v", got)
	}
}
