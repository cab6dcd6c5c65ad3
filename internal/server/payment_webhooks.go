package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook acknowledges every consumed delivery, including
// duplicates and invalid events, so the provider does not retry them.
// Transient failures surface as 5xx and are redelivered.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body := gin.H{
		"status":  "ok",
		"outcome": result.Outcome,
	}
	if result.TransactionID != 0 {
		body["transaction_id"] = result.TransactionID.String()
	}
	if result.Outcome == paymentdomain.OutcomeRejectedInvalid && result.Reason != "" {
		body["reason"] = result.Reason
	}
	c.JSON(http.StatusOK, body)
}
