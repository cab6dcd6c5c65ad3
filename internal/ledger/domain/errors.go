package domain

import "errors"

type conflictError string

func (e conflictError) Error() string { return string(e) }

// Conflict marks the error as a lost compare-and-swap race.
func (conflictError) Conflict() bool { return true }

// ErrConflict is returned when the stored version no longer matches.
var ErrConflict error = conflictError("ledger_version_conflict")

var (
	ErrNotFound         = errors.New("account_not_found")
	ErrInvalidMutation  = errors.New("invalid_ledger_mutation")
	ErrInvalidTier      = errors.New("invalid_tier")
	ErrInvalidID        = errors.New("invalid_account_id")
	ErrInvalidEmail     = errors.New("invalid_email")
	ErrStoreUnavailable = errors.New("ledger_store_unavailable")

	// ErrNoChange may be returned by a mutation to leave the account untouched.
	ErrNoChange = errors.New("ledger_no_change")
)
