package observability

import (
	"testing"

	"github.com/scrapexi/creditledger/internal/config"
)

func TestLoadConfigDefaultsAndClamp(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: " production ",
		Observability: config.ObservabilityConfig{
			LogLevel:      "info",
			SamplingRatio: 4,
		},
	})
	if cfg.ServiceName != "creditledger" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.OtelSamplingRatio != 1 {
		t.Fatalf("expected sampling ratio clamped to 1, got %v", cfg.OtelSamplingRatio)
	}
	if cfg.Debug() {
		t.Fatalf("production info logging should not be debug")
	}
}

func TestDebug(t *testing.T) {
	if !(Config{LogLevel: "DEBUG", Environment: "production"}).Debug() {
		t.Fatalf("debug level should enable debug")
	}
	if !(Config{LogLevel: "info", Environment: "local"}).Debug() {
		t.Fatalf("local environment should enable debug")
	}
}
