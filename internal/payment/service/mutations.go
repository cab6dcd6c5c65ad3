package service

import (
	"strings"
	"time"

	"github.com/scrapexi/creditledger/internal/config"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	"github.com/scrapexi/creditledger/internal/payment/domain"
)

// plan is the ledger mutation derived from one event plus the values
// recorded on its transaction.
type plan struct {
	mutation ledgerdomain.Mutation
	tier     string
	priceID  string
	quantity int64
}

// invalidEvent carries the rejection reason of an event that cannot be applied.
type invalidEvent struct{ reason string }

func (e invalidEvent) Error() string { return e.reason }

func planFor(event domain.Event, catalog config.Catalog) (plan, error) {
	occurredAt := event.OccurredAt.UTC()
	switch event.Kind {
	case domain.KindSubscriptionCreated, domain.KindSubscriptionUpdated:
		tier, limit, err := resolveTier(event, catalog)
		if err != nil {
			return plan{}, err
		}
		return plan{
			tier:     string(tier),
			priceID:  event.PriceID,
			quantity: limit,
			mutation: func(a *ledgerdomain.Account) error {
				a.Tier = tier
				a.ItemsLimit = limit
				a.SubscriptionStatus = ledgerdomain.SubscriptionStatusActive
				renewal := nextRenewal(event.PeriodEnd, occurredAt)
				a.SubscriptionRenewalDate = &renewal
				applySubscriptionRefs(a, event)
				return nil
			},
		}, nil

	case domain.KindSubscriptionRenewed:
		tier, limit, tierErr := resolveTier(event, catalog)
		p := plan{priceID: event.PriceID}
		if tierErr == nil {
			p.tier = string(tier)
			p.quantity = limit
		}
		p.mutation = func(a *ledgerdomain.Account) error {
			if tierErr == nil {
				a.Tier = tier
				a.ItemsLimit = limit
			}
			a.ItemsUsed = 0
			base := occurredAt
			if a.SubscriptionRenewalDate != nil && a.SubscriptionRenewalDate.After(base) {
				base = a.SubscriptionRenewalDate.UTC()
			}
			renewal := nextRenewal(event.PeriodEnd, base)
			a.SubscriptionRenewalDate = &renewal
			refreshed := occurredAt
			a.LastCreditRefreshDate = &refreshed
			a.SubscriptionStatus = ledgerdomain.SubscriptionStatusActive
			applySubscriptionRefs(a, event)
			return nil
		}
		return p, nil

	case domain.KindSubscriptionCancelled:
		freeLimit, ok := catalog.LimitFor(string(ledgerdomain.TierFree))
		if !ok {
			return plan{}, invalidEvent{reason: domain.ReasonUnknownTier}
		}
		policy := catalog.Policy()
		return plan{
			tier:     string(ledgerdomain.TierFree),
			priceID:  event.PriceID,
			quantity: freeLimit,
			mutation: func(a *ledgerdomain.Account) error {
				a.SubscriptionStatus = ledgerdomain.SubscriptionStatusCanceled
				if policy == config.CancellationKeepUntilPeriodEnd &&
					a.SubscriptionRenewalDate != nil && a.SubscriptionRenewalDate.After(occurredAt) {
					return nil
				}
				a.Tier = ledgerdomain.TierFree
				a.ItemsLimit = freeLimit
				if policy == config.CancellationDowngradeForfeitCredits {
					a.OneTimeCredits = 0
				}
				return nil
			},
		}, nil

	case domain.KindOneTimePurchase:
		quantity := event.Quantity
		if quantity <= 0 {
			if credits, ok := catalog.CreditsForPrice(event.PriceID); ok {
				quantity = credits
			}
		}
		if quantity <= 0 {
			return plan{}, invalidEvent{reason: domain.ReasonInvalidQuantity}
		}
		return plan{
			priceID:  event.PriceID,
			quantity: quantity,
			mutation: func(a *ledgerdomain.Account) error {
				a.OneTimeCredits += quantity
				if a.StripeCustomerID == "" && event.CustomerID != "" {
					a.StripeCustomerID = event.CustomerID
				}
				return nil
			},
		}, nil

	case domain.KindPaymentFailed:
		return plan{
			priceID: event.PriceID,
			mutation: func(a *ledgerdomain.Account) error {
				if a.SubscriptionStatus == ledgerdomain.SubscriptionStatusCanceled {
					return ledgerdomain.ErrNoChange
				}
				a.SubscriptionStatus = ledgerdomain.SubscriptionStatusPaymentFailed
				return nil
			},
		}, nil
	}

	return plan{}, invalidEvent{reason: domain.ReasonUnknownKind}
}

func resolveTier(event domain.Event, catalog config.Catalog) (ledgerdomain.Tier, int64, error) {
	name := strings.TrimSpace(event.Tier)
	if name == "" {
		name, _ = catalog.TierForPrice(event.PriceID)
	}
	tier, ok := ledgerdomain.ParseTier(name)
	if !ok {
		return "", 0, invalidEvent{reason: domain.ReasonUnknownTier}
	}
	limit, ok := catalog.LimitFor(string(tier))
	if !ok {
		return "", 0, invalidEvent{reason: domain.ReasonUnknownTier}
	}
	return tier, limit, nil
}

func nextRenewal(periodEnd *time.Time, from time.Time) time.Time {
	if periodEnd != nil && periodEnd.After(from) {
		return periodEnd.UTC()
	}
	return from.AddDate(0, 1, 0)
}

func applySubscriptionRefs(a *ledgerdomain.Account, event domain.Event) {
	if event.SubscriptionID != "" {
		a.SubscriptionID = event.SubscriptionID
	}
	if event.PriceID != "" {
		a.SubscriptionPriceID = event.PriceID
	}
	if event.CustomerID != "" {
		a.StripeCustomerID = event.CustomerID
	}
}
