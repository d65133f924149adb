package handlers

import (
	"net/http"

	"gasless-bridge/internal/middleware"
	"gasless-bridge/internal/services"

	"github.com/gin-gonic/gin"
)

// SettlementHandler serves settlement execution and lookups.
type SettlementHandler struct {
	settlements *services.SettlementService
}

func NewSettlementHandler(settlements *services.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

// SettleRequest is the POST /api/v1/quotes/:id/settle body.
type SettleRequest struct {
	PaymentProof string `json:"payment_proof" binding:"required"`
}

// SettleQuote handles POST /api/v1/quotes/:id/settle.
func (h *SettlementHandler) SettleQuote(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "payment_proof is required",
			"code":    "VALIDATION_ERROR",
		})
		return
	}

	settlement, err := h.settlements.Settle(c.Request.Context(), middleware.Principal(c),
		c.Param("id"), req.PaymentProof)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settlement)
}

// GetSettlement handles GET /api/v1/settlements/:id.
func (h *SettlementHandler) GetSettlement(c *gin.Context) {
	settlement, err := h.settlements.GetSettlement(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settlement)
}

// MySettlements handles GET /api/v1/me/settlements.
func (h *SettlementHandler) MySettlements(c *gin.Context) {
	settlements, err := h.settlements.UserSettlements(middleware.Principal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settlements)
}
