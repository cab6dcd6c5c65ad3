package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	meteringdomain "github.com/scrapexi/creditledger/internal/metering/domain"
)

type createAccountRequest struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

type reserveRequest struct {
	Units *int64 `json:"units"`
}

type reservationResponse struct {
	meteringdomain.Decision
	Error *errorPayload `json:"error,omitempty"`
}

type overrideSubscriptionRequest struct {
	Tier           string `json:"tier"`
	SubscriptionID string `json:"subscription_id"`
	PriceID        string `json:"price_id"`
	Status         string `json:"status"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.ledgerSvc.CreateAccount(c.Request.Context(), ledgerdomain.CreateAccountRequest{
		ExternalID: strings.TrimSpace(req.ExternalID),
		Email:      strings.TrimSpace(req.Email),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetAccountSummary(c *gin.Context) {
	id, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.ledgerSvc.GetSummary(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// ReserveUnits is called by the scraping engine before each billable item.
// Exhausted quota answers 402 with the decision so callers can show the balance.
func (s *Server) ReserveUnits(c *gin.Context) {
	id, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	units := int64(1)
	var req reserveRequest
	// An empty body, chunked or not, reserves a single unit.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Units != nil {
		units = *req.Units
	}

	decision, err := s.meteringSvc.Reserve(c.Request.Context(), id, units)
	if errors.Is(err, meteringdomain.ErrQuotaExhausted) {
		_, payload := mapError(err)
		c.JSON(http.StatusPaymentRequired, reservationResponse{Decision: decision, Error: &payload})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservationResponse{Decision: decision})
}

func (s *Server) OverrideSubscription(c *gin.Context) {
	id, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req overrideSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	status := ledgerdomain.SubscriptionStatus(strings.TrimSpace(req.Status))
	if status != "" && !status.Valid() {
		AbortWithError(c, newValidationError("status", "invalid_status", "unknown subscription status"))
		return
	}

	account, err := s.ledgerSvc.OverrideSubscription(c.Request.Context(), id, ledgerdomain.OverrideRequest{
		Tier:           strings.TrimSpace(req.Tier),
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		PriceID:        strings.TrimSpace(req.PriceID),
		Status:         status,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ledgerdomain.SummaryOf(account)})
}

func (s *Server) ListTransactions(c *gin.Context) {
	id, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	page, err := parsePagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.reconciler.ListTransactions(c.Request.Context(), id, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Transactions,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetMySummary(c *gin.Context) {
	externalID := strings.TrimSpace(c.GetString(contextExternalIDKey))
	if externalID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	account, err := s.ledgerSvc.GetByExternalID(ctx, externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ledgerdomain.SummaryOf(account)})
}
