package domain

import (
	"context"
	"net/http"
)

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter authenticates and translates one provider's webhooks.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}
