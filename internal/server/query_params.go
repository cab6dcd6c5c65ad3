package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	obscontext "github.com/scrapexi/creditledger/internal/observability/context"
	"github.com/scrapexi/creditledger/pkg/db/pagination"
)

func parseAccountID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		return 0, ledgerdomain.ErrInvalidID
	}
	c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), id.String()))
	return id, nil
}

func parsePagination(c *gin.Context) (pagination.Pagination, error) {
	page := pagination.Pagination{PageToken: strings.TrimSpace(c.Query("page_token"))}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return pagination.Pagination{}, newValidationError("page_size", "invalid_page_size", "page_size must be a positive integer")
		}
		page.PageSize = size
	}
	return page, nil
}
