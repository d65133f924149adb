package handlers

import (
	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/services"

	"github.com/gin-gonic/gin"
)

// StatusHandler serves reserve, price feed and health views.
type StatusHandler struct {
	reserve *services.ReserveService
	prices  clients.PriceOracle
}

func NewStatusHandler(reserve *services.ReserveService, prices clients.PriceOracle) *StatusHandler {
	return &StatusHandler{reserve: reserve, prices: prices}
}

// Reserve handles GET /api/v1/reserve.
func (h *StatusHandler) Reserve(c *gin.Context) {
	respondOK(c, h.reserve.Status())
}

// PriceStatus handles GET /api/v1/prices/status.
func (h *StatusHandler) PriceStatus(c *gin.Context) {
	respondOK(c, gin.H{"sources": h.prices.Status(c.Request.Context())})
}

// Health handles GET /health. Always 200 while the process serves; the
// reserve health field carries the real signal.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":         "ok",
		"reserve_health": h.reserve.Health(),
	})
}
