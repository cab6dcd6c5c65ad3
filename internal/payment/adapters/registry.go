package adapters

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/scrapexi/creditledger/internal/payment/domain"
)

// Registry resolves provider names to adapters. Adapters are built on first
// use from the provider's settings and reused afterwards.
type Registry struct {
	mu        sync.Mutex
	factories map[string]domain.AdapterFactory
	settings  map[string]map[string]any
	built     map[string]domain.PaymentAdapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		settings:  map[string]map[string]any{},
		built:     map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalizeProvider(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Configure replaces the settings of provider and drops any adapter built
// from the previous ones.
func (r *Registry) Configure(provider string, settings map[string]any) {
	provider = normalizeProvider(provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[provider] = maps.Clone(settings)
	delete(r.built, provider)
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.factories))
}

func (r *Registry) Has(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalizeProvider(provider)]
	return ok
}

// Adapter returns the adapter for provider. Construction errors are not
// cached so a corrected configuration takes effect on the next call.
func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalizeProvider(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.built[provider]; ok {
		return adapter, nil
	}
	adapter, err := factory.NewAdapter(domain.AdapterConfig{
		Provider: provider,
		Config:   r.settings[provider],
	})
	if err != nil {
		return nil, err
	}
	r.built[provider] = adapter
	return adapter, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
