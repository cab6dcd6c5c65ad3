package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/scrapexi/creditledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request, named after the matched route.
// Quota denials are tagged, not marked as errors.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("creditledger/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		}
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			attrs = append(attrs, attribute.String("request_id", requestID))
		}
		if provider := c.Param("provider"); provider != "" {
			attrs = append(attrs, attribute.String("payment.provider", strings.ToLower(provider)))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs = []attribute.KeyValue{
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if accountID := obscontext.AccountIDFromContext(c.Request.Context()); accountID != "" {
			attrs = append(attrs, attribute.String("account.id", accountID))
		}
		if authType := c.GetString("auth_type"); authType != "" {
			attrs = append(attrs, attribute.String("auth.type", authType))
		}
		if status == http.StatusPaymentRequired {
			attrs = append(attrs, attribute.Bool("metering.quota_exhausted", true))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}
