package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/pkg/db/pagination"
)

// Reconciler applies canonical events to the account ledger exactly once.
type Reconciler interface {
	HandleEvent(ctx context.Context, event Event) (Result, error)
	ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (ListTransactionsResponse, error)
}

// WebhookService authenticates raw provider callbacks and hands them to the reconciler.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Result, error)
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []TransactionRecord `json:"transactions"`
}
