package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the subscription level that determines the monthly quota.
type Tier string

const (
	TierFree     Tier = "Free"
	TierStarter  Tier = "Starter"
	TierPro      Tier = "Pro"
	TierBusiness Tier = "Business"
)

var knownTiers = []Tier{TierFree, TierStarter, TierPro, TierBusiness}

// ParseTier matches a tier name case-insensitively and returns its canonical form.
func ParseTier(value string) (Tier, bool) {
	value = strings.TrimSpace(value)
	for _, tier := range knownTiers {
		if strings.EqualFold(string(tier), value) {
			return tier, true
		}
	}
	return "", false
}

type SubscriptionStatus string

const (
	SubscriptionStatusNone          SubscriptionStatus = "none"
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusPaymentFailed SubscriptionStatus = "payment_failed"
	SubscriptionStatusCanceled      SubscriptionStatus = "canceled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusActive, SubscriptionStatusPaymentFailed, SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}

// Account is the versioned usage and credit record of a customer.
type Account struct {
	ID                      snowflake.ID       `gorm:"primaryKey" json:"id"`
	ExternalID              *string            `gorm:"type:varchar(255);uniqueIndex:ux_accounts_external_id" json:"external_id,omitempty"`
	Email                   string             `gorm:"type:varchar(255);not null;default:'';index:ix_accounts_email" json:"email"`
	Tier                    Tier               `gorm:"type:varchar(255);not null;default:'Free'" json:"tier"`
	ItemsLimit              int64              `gorm:"not null;default:100" json:"items_limit"`
	ItemsUsed               int64              `gorm:"not null;default:0" json:"items_used"`
	OneTimeCredits          int64              `gorm:"not null;default:0" json:"one_time_credits"`
	SubscriptionStatus      SubscriptionStatus `gorm:"type:varchar(255);not null;default:'none'" json:"subscription_status"`
	SubscriptionID          string             `gorm:"type:varchar(255);not null;default:''" json:"subscription_id,omitempty"`
	SubscriptionPriceID     string             `gorm:"type:varchar(255);not null;default:''" json:"subscription_price_id,omitempty"`
	StripeCustomerID        string             `gorm:"type:varchar(255);not null;default:'';index:ix_accounts_stripe_customer" json:"stripe_customer_id,omitempty"`
	SubscriptionRenewalDate *time.Time         `json:"subscription_renewal_date,omitempty"`
	LastCreditRefreshDate   *time.Time         `json:"last_credit_refresh_date,omitempty"`
	LastAnnualResetYear     int                `gorm:"not null;default:0;index:ix_accounts_annual_reset" json:"last_annual_reset_year"`
	Version                 int64              `gorm:"not null;default:1" json:"version"`
	CreatedAt               time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Available is the number of units the account can still consume.
func (a Account) Available() int64 {
	remaining := a.ItemsLimit - a.ItemsUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining + a.OneTimeCredits
}

// Clone returns a deep copy so mutations never alias the stored snapshot.
func (a Account) Clone() Account {
	out := a
	if a.ExternalID != nil {
		v := *a.ExternalID
		out.ExternalID = &v
	}
	if a.SubscriptionRenewalDate != nil {
		v := *a.SubscriptionRenewalDate
		out.SubscriptionRenewalDate = &v
	}
	if a.LastCreditRefreshDate != nil {
		v := *a.LastCreditRefreshDate
		out.LastCreditRefreshDate = &v
	}
	return out
}

// Validate checks the invariants every persisted account must hold.
func (a Account) Validate() error {
	if _, ok := ParseTier(string(a.Tier)); !ok {
		return ErrInvalidTier
	}
	if a.ItemsLimit < 0 || a.ItemsUsed < 0 || a.OneTimeCredits < 0 {
		return ErrInvalidMutation
	}
	if !a.SubscriptionStatus.Valid() {
		return ErrInvalidMutation
	}
	return nil
}

// Summary is the read-only view served to dashboards.
type Summary struct {
	AccountID      snowflake.ID       `json:"account_id"`
	Tier           Tier               `json:"tier"`
	Status         SubscriptionStatus `json:"subscription_status"`
	ItemsLimit     int64              `json:"items_limit"`
	ItemsUsed      int64              `json:"items_used"`
	OneTimeCredits int64              `json:"one_time_credits"`
	Available      int64              `json:"available"`
	RenewalDate    *time.Time         `json:"renewal_date,omitempty"`
}

func SummaryOf(a Account) Summary {
	return Summary{
		AccountID:      a.ID,
		Tier:           a.Tier,
		Status:         a.SubscriptionStatus,
		ItemsLimit:     a.ItemsLimit,
		ItemsUsed:      a.ItemsUsed,
		OneTimeCredits: a.OneTimeCredits,
		Available:      a.Available(),
		RenewalDate:    a.SubscriptionRenewalDate,
	}
}
