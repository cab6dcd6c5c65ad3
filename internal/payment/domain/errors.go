package domain

import "errors"

var (
	ErrDuplicateEvent   = errors.New("duplicate_event")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrRecordConflict   = errors.New("payment_transaction_conflict")

	// ErrAccountNotResolved leaves the record pending so a redelivery can
	// apply it once the account exists.
	ErrAccountNotResolved = errors.New("account_not_resolved")
)

// Rejection reasons stored on payment transactions.
const (
	ReasonMissingEventID  = "missing_event_id"
	ReasonUnknownKind     = "unknown_kind"
	ReasonAccountNotFound = "account_not_found"
	ReasonUnknownTier     = "unknown_tier"
	ReasonInvalidQuantity = "invalid_quantity"
	ReasonAlreadyApplied  = "dedupe_key_already_applied"
)
