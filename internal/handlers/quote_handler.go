package handlers

import (
	"net/http"

	"gasless-bridge/internal/middleware"
	"gasless-bridge/internal/services"

	"github.com/gin-gonic/gin"
)

// QuoteHandler serves quote issuance and lookups.
type QuoteHandler struct {
	quotes *services.QuoteService
	bridge *services.BridgeService
}

func NewQuoteHandler(quotes *services.QuoteService, bridge *services.BridgeService) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, bridge: bridge}
}

// CreateQuoteRequest is the POST /api/v1/quotes body.
type CreateQuoteRequest struct {
	AmountWei          uint64 `json:"amount_wei" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"required"`
	DestinationChain   string `json:"destination_chain" binding:"required"`
}

// CreateQuote handles POST /api/v1/quotes.
func (h *QuoteHandler) CreateQuote(c *gin.Context) {
	var req CreateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
			"code":    "VALIDATION_ERROR",
		})
		return
	}

	quote, err := h.quotes.RequestQuote(c.Request.Context(), middleware.Principal(c),
		req.AmountWei, req.DestinationAddress, req.DestinationChain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, quote)
}

// GetQuote handles GET /api/v1/quotes/:id.
func (h *QuoteHandler) GetQuote(c *gin.Context) {
	quote, err := h.quotes.GetQuote(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, quote)
}

// MyQuotes handles GET /api/v1/me/quotes.
func (h *QuoteHandler) MyQuotes(c *gin.Context) {
	quotes, err := h.quotes.UserQuotes(middleware.Principal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, quotes)
}

// Sponsorship handles GET /api/v1/sponsorship?amount_wei=&chain=.
func (h *QuoteHandler) Sponsorship(c *gin.Context) {
	var query struct {
		AmountWei uint64 `form:"amount_wei" binding:"required"`
		Chain     string `form:"chain" binding:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "amount_wei and chain query parameters are required",
			"code":    "VALIDATION_ERROR",
		})
		return
	}

	status, err := h.bridge.SponsorshipStatus(c.Request.Context(), query.AmountWei, query.Chain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, status)
}
