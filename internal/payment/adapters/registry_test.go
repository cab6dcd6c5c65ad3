package adapters

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/scrapexi/creditledger/internal/payment/domain"
)

type countingFactory struct {
	name  string
	built int
}

func (f *countingFactory) Provider() string { return f.name }

func (f *countingFactory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	if cfg.Config["secret"] == nil {
		return nil, domain.ErrInvalidConfig
	}
	f.built++
	return noopAdapter{}, nil
}

type noopAdapter struct{}

func (noopAdapter) Verify(context.Context, []byte, http.Header) error { return nil }

func (noopAdapter) Parse(context.Context, []byte) (*domain.Event, error) {
	return &domain.Event{}, nil
}

func TestRegistryBuildsOncePerConfiguration(t *testing.T) {
	factory := &countingFactory{name: " Stripe "}
	registry := NewRegistry(factory, nil, &countingFactory{name: ""})

	if got := registry.Providers(); len(got) != 1 || got[0] != "stripe" {
		t.Fatalf("unexpected providers %v", got)
	}
	if !registry.Has("STRIPE") {
		t.Fatalf("expected provider lookup to ignore case")
	}

	if _, err := registry.Adapter("stripe"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config before Configure, got %v", err)
	}

	registry.Configure("stripe", map[string]any{"secret": "whsec"})
	for i := 0; i < 3; i++ {
		if _, err := registry.Adapter("stripe"); err != nil {
			t.Fatalf("adapter: %v", err)
		}
	}
	if factory.built != 1 {
		t.Fatalf("expected one build, got %d", factory.built)
	}

	registry.Configure("stripe", map[string]any{"secret": "rotated"})
	if _, err := registry.Adapter("stripe"); err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if factory.built != 2 {
		t.Fatalf("expected rebuild after Configure, got %d builds", factory.built)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	var nilRegistry *Registry
	if nilRegistry.Has("stripe") {
		t.Fatalf("nil registry has no providers")
	}
	if _, err := NewRegistry().Adapter("paypal"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
}
