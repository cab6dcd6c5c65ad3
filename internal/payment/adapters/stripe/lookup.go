package stripe

import (
	"context"
	"fmt"
	"strings"

	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// apiLookup reads the billing details a webhook object only references by id.
type apiLookup struct {
	api *client.API
}

func newAPILookup(apiKey, apiURL string, log *zap.Logger) *apiLookup {
	backendCfg := &stripego.BackendConfig{
		EnableTelemetry: stripego.Bool(false),
	}
	if apiURL != "" {
		backendCfg.URL = stripego.String(apiURL)
	}
	if log != nil {
		backendCfg.LeveledLogger = log.Named("payment.stripe.api").Sugar()
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)
	return &apiLookup{
		api: client.New(apiKey, &stripego.Backends{API: backend, Connect: backend, Uploads: backend}),
	}
}

func (l *apiLookup) subscriptionPrice(ctx context.Context, subscriptionID string) (string, error) {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := l.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get subscription %s: %w", subscriptionID, err)
	}
	if sub.Items == nil {
		return "", nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID, nil
		}
	}
	return "", nil
}

func (l *apiLookup) customerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripego.CustomerParams{}
	params.Context = ctx
	customer, err := l.api.Customers.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get customer %s: %w", customerID, err)
	}
	if customer.Deleted {
		return "", nil
	}
	return strings.TrimSpace(customer.Email), nil
}

// enrich fills a missing price for subscription grants and a missing email
// for events that carry no account reference.
func (a *Adapter) enrich(ctx context.Context, event *paymentdomain.Event) error {
	if a.lookup == nil || event == nil || event.InvalidReason != "" {
		return nil
	}

	switch event.Kind {
	case paymentdomain.KindSubscriptionCreated,
		paymentdomain.KindSubscriptionUpdated,
		paymentdomain.KindSubscriptionRenewed:
		if event.PriceID == "" && event.Tier == "" && event.SubscriptionID != "" {
			priceID, err := a.lookup.subscriptionPrice(ctx, event.SubscriptionID)
			if err != nil {
				return err
			}
			event.PriceID = priceID
		}
	}

	if event.AccountID == 0 && event.CustomerEmail == "" && event.CustomerID != "" {
		email, err := a.lookup.customerEmail(ctx, event.CustomerID)
		if err != nil {
			return err
		}
		event.CustomerEmail = email
	}
	return nil
}
