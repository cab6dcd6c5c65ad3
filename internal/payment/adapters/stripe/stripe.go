package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	headerSignature = "Stripe-Signature"

	metadataAccountID = "account_id"
	metadataCredits   = "credits"
	metadataPriceID   = "price_id"
	metadataTier      = "tier"

	reasonInvalidObject       = "invalid_object"
	reasonMissingSubscription = "missing_subscription"
	reasonUnsupportedReason   = "unsupported_billing_reason"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	tolerance := webhook.DefaultTolerance
	if v, ok := cfg.Config["tolerance"].(time.Duration); ok && v > 0 {
		tolerance = v
	}

	adapter := &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
	}
	// Without an API key events are mapped from their payload alone.
	if apiKey, _ := readString(cfg.Config, "api_key"); strings.TrimSpace(apiKey) != "" {
		apiURL, _ := readString(cfg.Config, "api_url")
		log, _ := cfg.Config["logger"].(*zap.Logger)
		adapter.lookup = newAPILookup(strings.TrimSpace(apiKey), strings.TrimSpace(apiURL), log)
	}
	return adapter, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	lookup        *apiLookup
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(headerSignature))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return paymentdomain.ErrInvalidSignature
	default:
		return paymentdomain.ErrInvalidPayload
	}
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	base := paymentdomain.Event{
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: strings.TrimSpace(event.ID),
		ProviderType:    string(event.Type),
		OccurredAt:      timestamp(event.Created),
		RawPayload:      payload,
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	parsed, err := parseEvent(base, raw)
	if err != nil {
		return nil, err
	}
	if err := a.enrich(ctx, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func parseEvent(base paymentdomain.Event, raw json.RawMessage) (*paymentdomain.Event, error) {
	switch strings.TrimSpace(base.ProviderType) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return parseCheckout(base, raw)
	case "customer.subscription.created":
		return parseSubscription(base, raw, paymentdomain.KindSubscriptionCreated)
	case "customer.subscription.updated":
		return parseSubscriptionUpdated(base, raw)
	case "customer.subscription.deleted":
		return parseSubscription(base, raw, paymentdomain.KindSubscriptionCancelled)
	case "invoice.payment_succeeded", "invoice.paid":
		return parseInvoicePaid(base, raw)
	case "invoice.payment_failed":
		return parseInvoiceFailed(base, raw)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func parseCheckout(event paymentdomain.Event, raw json.RawMessage) (*paymentdomain.Event, error) {
	var session stripego.CheckoutSession
	if err := unmarshalObject(raw, &session); err != nil {
		return invalid(event, reasonInvalidObject), nil
	}

	event.AccountID = accountRef(session.ClientReferenceID, session.Metadata)
	event.CustomerEmail = strings.TrimSpace(session.CustomerEmail)
	if session.CustomerDetails != nil && strings.TrimSpace(session.CustomerDetails.Email) != "" {
		event.CustomerEmail = strings.TrimSpace(session.CustomerDetails.Email)
	}
	if session.Customer != nil {
		event.CustomerID = session.Customer.ID
	}
	event.PriceID = session.Metadata[metadataPriceID]
	event.Tier = session.Metadata[metadataTier]

	switch session.Mode {
	case stripego.CheckoutSessionModeSubscription:
		event.Kind = paymentdomain.KindSubscriptionCreated
		if session.Subscription == nil || session.Subscription.ID == "" {
			return invalid(event, reasonMissingSubscription), nil
		}
		event.SubscriptionID = session.Subscription.ID
		event.DedupeKey = "subscription_created:" + session.Subscription.ID
		return &event, nil
	case stripego.CheckoutSessionModePayment:
		// Delayed payment methods complete the session before funds arrive.
		if session.PaymentStatus == stripego.CheckoutSessionPaymentStatusUnpaid {
			return nil, paymentdomain.ErrEventIgnored
		}
		event.Kind = paymentdomain.KindOneTimePurchase
		event.DedupeKey = "checkout:" + session.ID
		event.Quantity = metadataInt(session.Metadata, metadataCredits)
		return &event, nil
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func parseSubscription(event paymentdomain.Event, raw json.RawMessage, kind paymentdomain.EventKind) (*paymentdomain.Event, error) {
	event.Kind = kind
	var sub stripego.Subscription
	if err := unmarshalObject(raw, &sub); err != nil || sub.ID == "" {
		return invalid(event, reasonInvalidObject), nil
	}
	fillSubscription(&event, &sub)

	switch kind {
	case paymentdomain.KindSubscriptionCreated:
		// Incomplete subscriptions are granted by their first paid invoice.
		if sub.Status != stripego.SubscriptionStatusActive && sub.Status != stripego.SubscriptionStatusTrialing {
			return nil, paymentdomain.ErrEventIgnored
		}
		event.DedupeKey = "subscription_created:" + sub.ID
	case paymentdomain.KindSubscriptionCancelled:
		event.DedupeKey = "subscription_cancelled:" + sub.ID
	}
	return &event, nil
}

func parseSubscriptionUpdated(event paymentdomain.Event, raw json.RawMessage) (*paymentdomain.Event, error) {
	var sub stripego.Subscription
	if err := unmarshalObject(raw, &sub); err != nil || sub.ID == "" {
		event.Kind = paymentdomain.KindSubscriptionUpdated
		return invalid(event, reasonInvalidObject), nil
	}
	fillSubscription(&event, &sub)

	switch sub.Status {
	case stripego.SubscriptionStatusActive, stripego.SubscriptionStatusTrialing:
		event.Kind = paymentdomain.KindSubscriptionUpdated
	case stripego.SubscriptionStatusPastDue, stripego.SubscriptionStatusUnpaid:
		event.Kind = paymentdomain.KindPaymentFailed
	case stripego.SubscriptionStatusCanceled, stripego.SubscriptionStatusIncompleteExpired:
		event.Kind = paymentdomain.KindSubscriptionCancelled
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	event.DedupeKey = "subscription_updated:" + event.ProviderEventID
	return &event, nil
}

func fillSubscription(event *paymentdomain.Event, sub *stripego.Subscription) {
	event.SubscriptionID = sub.ID
	event.AccountID = accountRef("", sub.Metadata)
	event.Tier = sub.Metadata[metadataTier]
	if sub.Customer != nil {
		event.CustomerID = sub.Customer.ID
		event.CustomerEmail = strings.TrimSpace(sub.Customer.Email)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				event.PriceID = item.Price.ID
				break
			}
		}
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		event.PeriodEnd = &end
	}
}

func parseInvoicePaid(event paymentdomain.Event, raw json.RawMessage) (*paymentdomain.Event, error) {
	var inv stripego.Invoice
	if err := unmarshalObject(raw, &inv); err != nil || inv.ID == "" {
		event.Kind = paymentdomain.EventKind(event.ProviderType)
		return invalid(event, reasonInvalidObject), nil
	}
	fillInvoice(&event, &inv)

	switch inv.BillingReason {
	case stripego.InvoiceBillingReasonSubscriptionCreate:
		event.Kind = paymentdomain.KindSubscriptionCreated
		if event.SubscriptionID == "" {
			return invalid(event, reasonMissingSubscription), nil
		}
		event.DedupeKey = "subscription_created:" + event.SubscriptionID
	case stripego.InvoiceBillingReasonSubscriptionCycle:
		event.Kind = paymentdomain.KindSubscriptionRenewed
		event.DedupeKey = "invoice:" + inv.ID
	case stripego.InvoiceBillingReasonSubscriptionUpdate:
		event.Kind = paymentdomain.KindSubscriptionUpdated
		event.DedupeKey = "invoice:" + inv.ID
	default:
		event.Kind = paymentdomain.EventKind(event.ProviderType)
		return invalid(event, reasonUnsupportedReason), nil
	}
	return &event, nil
}

func parseInvoiceFailed(event paymentdomain.Event, raw json.RawMessage) (*paymentdomain.Event, error) {
	event.Kind = paymentdomain.KindPaymentFailed
	var inv stripego.Invoice
	if err := unmarshalObject(raw, &inv); err != nil || inv.ID == "" {
		return invalid(event, reasonInvalidObject), nil
	}
	fillInvoice(&event, &inv)
	event.DedupeKey = "invoice_failed:" + inv.ID
	return &event, nil
}

func fillInvoice(event *paymentdomain.Event, inv *stripego.Invoice) {
	event.AccountID = accountRef("", inv.Metadata)
	event.CustomerEmail = strings.TrimSpace(inv.CustomerEmail)
	if inv.Customer != nil {
		event.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		event.SubscriptionID = inv.Subscription.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line == nil {
				continue
			}
			if line.Price != nil && line.Price.ID != "" && event.PriceID == "" {
				event.PriceID = line.Price.ID
			}
			if line.Period != nil && line.Period.End > 0 && event.PeriodEnd == nil {
				end := time.Unix(line.Period.End, 0).UTC()
				event.PeriodEnd = &end
			}
			if event.AccountID == 0 {
				event.AccountID = accountRef("", line.Metadata)
			}
		}
	}
}

func unmarshalObject(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return paymentdomain.ErrInvalidPayload
	}
	return json.Unmarshal(raw, out)
}

func invalid(event paymentdomain.Event, reason string) *paymentdomain.Event {
	event.InvalidReason = reason
	return &event
}

func accountRef(clientReference string, metadata map[string]string) snowflake.ID {
	candidates := []string{clientReference}
	if metadata != nil {
		candidates = append(candidates, metadata[metadataAccountID])
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if id, err := snowflake.ParseString(candidate); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

func metadataInt(metadata map[string]string, key string) int64 {
	value := strings.TrimSpace(metadata[key])
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func timestamp(created int64) time.Time {
	if created > 0 {
		return time.Unix(created, 0).UTC()
	}
	return time.Now().UTC()
}

func readString(cfg map[string]any, key string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	value, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}
