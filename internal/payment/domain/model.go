package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const ProviderStripe = "stripe"

// EventKind is the ledger meaning of a provider notification.
type EventKind string

const (
	KindSubscriptionCreated   EventKind = "subscription_created"
	KindSubscriptionUpdated   EventKind = "subscription_updated"
	KindSubscriptionRenewed   EventKind = "subscription_renewed"
	KindSubscriptionCancelled EventKind = "subscription_cancelled"
	KindOneTimePurchase       EventKind = "one_time_purchase"
	KindPaymentFailed         EventKind = "payment_failed"
)

func (k EventKind) Known() bool {
	switch k {
	case KindSubscriptionCreated,
		KindSubscriptionUpdated,
		KindSubscriptionRenewed,
		KindSubscriptionCancelled,
		KindOneTimePurchase,
		KindPaymentFailed:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	StatusPending           TransactionStatus = "pending"
	StatusApplied           TransactionStatus = "applied"
	StatusRejectedDuplicate TransactionStatus = "rejected_duplicate"
	StatusRejectedInvalid   TransactionStatus = "rejected_invalid"
)

// Final reports whether the record can no longer change.
func (s TransactionStatus) Final() bool {
	return s == StatusApplied || s == StatusRejectedDuplicate || s == StatusRejectedInvalid
}

// TransactionRecord is the durable consumption log of provider events.
type TransactionRecord struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	Provider        string            `json:"provider" gorm:"type:varchar(255);not null;uniqueIndex:ux_payment_transactions_provider_event,priority:1"`
	ProviderEventID string            `json:"provider_event_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_payment_transactions_provider_event,priority:2"`
	DedupeKey       string            `json:"dedupe_key,omitempty" gorm:"type:varchar(255);not null;default:''"`
	AccountID       *snowflake.ID     `json:"account_id,omitempty" gorm:"index:ix_payment_transactions_account"`
	Kind            string            `json:"kind" gorm:"type:varchar(255);not null"`
	Quantity        int64             `json:"quantity" gorm:"not null;default:0"`
	Tier            string            `json:"tier,omitempty" gorm:"type:varchar(255);not null;default:''"`
	PriceID         string            `json:"price_id,omitempty" gorm:"type:varchar(255);not null;default:''"`
	Status          TransactionStatus `json:"status" gorm:"type:varchar(255);not null;default:'pending'"`
	Error           string            `json:"error,omitempty" gorm:"type:varchar(255);not null;default:''"`
	Payload         datatypes.JSON    `json:"-"`
	ReceivedAt      time.Time         `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
}

func (TransactionRecord) TableName() string { return "payment_transactions" }

// Event is the canonical notification parsed by provider adapters.
type Event struct {
	Provider        string
	ProviderEventID string
	ProviderType    string
	Kind            EventKind
	DedupeKey       string

	// Account resolution hints, tried in this order.
	AccountID     snowflake.ID
	CustomerID    string
	CustomerEmail string

	SubscriptionID string
	PriceID        string
	Tier           string
	Quantity       int64
	PeriodEnd      *time.Time
	OccurredAt     time.Time
	RawPayload     []byte

	// InvalidReason is set by adapters for billing events whose object is unusable.
	InvalidReason string
}

// Outcome is the terminal result of handling one event.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeRejectedDuplicate Outcome = "rejected_duplicate"
	OutcomeRejectedInvalid   Outcome = "rejected_invalid"
	OutcomeIgnored           Outcome = "ignored"
)

type Result struct {
	Outcome       Outcome      `json:"outcome"`
	TransactionID snowflake.ID `json:"transaction_id,omitempty"`
	AccountID     snowflake.ID `json:"account_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}
