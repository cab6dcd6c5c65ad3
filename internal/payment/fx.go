package payment

import (
	"github.com/scrapexi/creditledger/internal/payment/adapters"
	"github.com/scrapexi/creditledger/internal/payment/adapters/stripe"
	"github.com/scrapexi/creditledger/internal/payment/repository"
	paymentservice "github.com/scrapexi/creditledger/internal/payment/service"
	"github.com/scrapexi/creditledger/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(newRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// newRegistry lists the providers whose webhooks are accepted. Settings are
// applied by the webhook service.
func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(stripe.NewFactory())
}
