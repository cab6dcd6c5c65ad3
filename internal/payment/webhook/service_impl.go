package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/scrapexi/creditledger/internal/config"
	"github.com/scrapexi/creditledger/internal/observability/logger"
	"github.com/scrapexi/creditledger/internal/payment/adapters"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Reconciler paymentdomain.Reconciler
	Adapters   *adapters.Registry
	Cfg        config.Config
}

type Service struct {
	log        *zap.Logger
	reconciler paymentdomain.Reconciler
	adapters   *adapters.Registry
}

func NewService(p Params) paymentdomain.WebhookService {
	log := p.Log.Named("payment.webhook")
	if p.Adapters != nil {
		p.Adapters.Configure(paymentdomain.ProviderStripe, map[string]any{
			"webhook_secret": p.Cfg.Stripe.WebhookSecret,
			"api_key":        p.Cfg.Stripe.APIKey,
			"logger":         log,
		})
		log.Info("payment.webhook.providers", zap.Strings("providers", p.Adapters.Providers()))
	}
	return &Service{
		log:        log,
		reconciler: p.Reconciler,
		adapters:   p.Adapters,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidProvider
	}
	if !s.adapters.Has(provider) {
		return paymentdomain.Result{}, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return paymentdomain.Result{}, err
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("provider", provider))
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		log.Warn("webhook.verify.failed", zap.Error(err))
		return paymentdomain.Result{}, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			log.Debug("webhook.event.ignored")
			return paymentdomain.Result{Outcome: paymentdomain.OutcomeIgnored}, nil
		}
		return paymentdomain.Result{}, err
	}
	if event == nil {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidEvent
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	return s.reconciler.HandleEvent(ctx, *event)
}
