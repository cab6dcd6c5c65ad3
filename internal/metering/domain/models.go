package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
)

var (
	ErrQuotaExhausted = errors.New("quota_exhausted")
	ErrInvalidUnits   = errors.New("invalid_units")
)

const ReasonQuotaExhausted = "quota_exhausted"

// Source names the balance a reservation was deducted from.
type Source string

const (
	SourceSubscription   Source = "subscription"
	SourceOneTimeCredits Source = "one_time_credits"
	SourceMixed          Source = "mixed"
	SourceNone           Source = "none"
)

type Decision struct {
	Granted          bool                 `json:"granted"`
	Reason           string               `json:"reason,omitempty"`
	Source           Source               `json:"source"`
	Units            int64                `json:"units"`
	FromSubscription int64                `json:"from_subscription"`
	FromCredits      int64                `json:"from_credits"`
	Summary          ledgerdomain.Summary `json:"summary"`
}

type Service interface {
	// ReserveUnit deducts a single billable unit.
	ReserveUnit(ctx context.Context, accountID snowflake.ID) (Decision, error)
	// Reserve deducts units all-or-nothing, subscription quota first.
	Reserve(ctx context.Context, accountID snowflake.ID, units int64) (Decision, error)
}
