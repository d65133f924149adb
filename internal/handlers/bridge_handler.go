package handlers

import (
	"net/http"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/middleware"
	"gasless-bridge/internal/services"

	"github.com/gin-gonic/gin"
)

// BridgeHandler serves the one-call bridge flows and the public status views.
type BridgeHandler struct {
	bridge  *services.BridgeService
	builder *services.TxBuilder
	cfg     *config.Config
}

func NewBridgeHandler(bridge *services.BridgeService, builder *services.TxBuilder, cfg *config.Config) *BridgeHandler {
	return &BridgeHandler{bridge: bridge, builder: builder, cfg: cfg}
}

// BridgeRequest is the POST /api/v1/bridge and /api/v1/payments body.
type BridgeRequest struct {
	AmountWei          uint64 `json:"amount_wei" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"required"`
	DestinationChain   string `json:"destination_chain" binding:"required"`
}

// BridgeAssets handles POST /api/v1/bridge.
func (h *BridgeHandler) BridgeAssets(c *gin.Context) {
	var req BridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
			"code":    "VALIDATION_ERROR",
		})
		return
	}

	settlement, err := h.bridge.BridgeAssets(c.Request.Context(), middleware.Principal(c),
		req.AmountWei, req.DestinationAddress, req.DestinationChain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settlement)
}

// CreatePayment handles POST /api/v1/payments.
func (h *BridgeHandler) CreatePayment(c *gin.Context) {
	var req BridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
			"code":    "VALIDATION_ERROR",
		})
		return
	}

	tx, err := h.bridge.CreateICPPayment(c.Request.Context(), middleware.Principal(c),
		req.AmountWei, req.DestinationAddress, req.DestinationChain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, tx)
}

// MyTransactions handles GET /api/v1/me/transactions.
func (h *BridgeHandler) MyTransactions(c *gin.Context) {
	txs, err := h.bridge.UserTransactions(middleware.Principal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, txs)
}

// Statistics handles GET /api/v1/statistics.
func (h *BridgeHandler) Statistics(c *gin.Context) {
	stats, err := h.bridge.Statistics()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, stats)
}

// ConversionRate handles GET /api/v1/rate.
func (h *BridgeHandler) ConversionRate(c *gin.Context) {
	rate, stale, err := h.bridge.ConversionRate(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"eth_per_source_token": rate,
		"source_asset":         h.cfg.Prices.SourceAsset,
		"stale":                stale,
	})
}

// Address handles GET /api/v1/address: the signer-derived bridge address
// users can inspect on the destination chain.
func (h *BridgeHandler) Address(c *gin.Context) {
	respondOK(c, gin.H{"address": h.builder.From()})
}

// PublicConfig handles GET /api/v1/config, exposing quoting policy only.
func (h *BridgeHandler) PublicConfig(c *gin.Context) {
	respondOK(c, gin.H{
		"min_quote_amount":       h.cfg.Bridge.MinQuoteAmount,
		"max_quote_amount":       h.cfg.Bridge.MaxQuoteAmount,
		"quote_validity_minutes": h.cfg.Bridge.QuoteValidityMinutes,
		"safety_margin_percent":  h.cfg.Bridge.SafetyMarginPercent,
		"source_chain":           h.cfg.Bridge.SourceChain,
		"supported_chains":       h.cfg.SupportedChains(),
	})
}
