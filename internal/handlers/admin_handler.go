package handlers

import (
	"net/http"
	"strconv"
	"time"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/middleware"
	"gasless-bridge/internal/models"
	"gasless-bridge/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AdminHandler serves privileged reserve, config and cache operations.
type AdminHandler struct {
	db      *gorm.DB
	reserve *services.ReserveService
	audit   *services.AuditService
	chains  *services.ChainRegistry
}

func NewAdminHandler(db *gorm.DB, reserve *services.ReserveService, audit *services.AuditService, chains *services.ChainRegistry) *AdminHandler {
	return &AdminHandler{db: db, reserve: reserve, audit: audit, chains: chains}
}

// AddAdmin handles POST /api/v1/admin/admins.
func (h *AdminHandler) AddAdmin(c *gin.Context) {
	var req struct {
		Principal string `json:"principal" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "principal is required", "code": "VALIDATION_ERROR",
		})
		return
	}

	caller := middleware.Principal(c)
	admin := models.Admin{Principal: req.Principal, AddedBy: caller, CreatedAt: time.Now().UTC()}
	if err := h.db.Where("principal = ?", req.Principal).FirstOrCreate(&admin).Error; err != nil {
		respondError(c, err)
		return
	}

	h.audit.Record(services.AuditAdminAdded, caller, map[string]interface{}{
		"admin": caller, "new_admin": req.Principal,
	})
	respondOK(c, admin)
}

// Topup handles POST /api/v1/admin/reserve/topup.
func (h *AdminHandler) Topup(c *gin.Context) {
	var req struct {
		AmountWei uint64 `json:"amount_wei" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "amount_wei is required", "code": "VALIDATION_ERROR",
		})
		return
	}

	h.reserve.Topup(req.AmountWei, middleware.Principal(c))
	respondOK(c, h.reserve.Status())
}

// SetDailyLimit handles POST /api/v1/admin/reserve/daily-limit.
func (h *AdminHandler) SetDailyLimit(c *gin.Context) {
	var req struct {
		DailyLimitWei uint64 `json:"daily_limit_wei" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "daily_limit_wei is required", "code": "VALIDATION_ERROR",
		})
		return
	}

	h.reserve.SetDailyLimit(req.DailyLimitWei, middleware.Principal(c))
	respondOK(c, h.reserve.Status())
}

// SetThresholds handles POST /api/v1/admin/reserve/thresholds.
func (h *AdminHandler) SetThresholds(c *gin.Context) {
	var req struct {
		WarningWei  uint64 `json:"warning_wei" binding:"required"`
		CriticalWei uint64 `json:"critical_wei" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "warning_wei and critical_wei are required", "code": "VALIDATION_ERROR",
		})
		return
	}

	if err := h.reserve.SetThresholds(req.WarningWei, req.CriticalWei, middleware.Principal(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, h.reserve.Status())
}

// EmergencyPause handles POST /api/v1/admin/emergency/pause. TOTP-guarded.
func (h *AdminHandler) EmergencyPause(c *gin.Context) {
	h.reserve.Pause(middleware.Principal(c))
	respondOK(c, h.reserve.Status())
}

// EmergencyUnpause handles POST /api/v1/admin/emergency/unpause. TOTP-guarded.
func (h *AdminHandler) EmergencyUnpause(c *gin.Context) {
	h.reserve.Unpause(middleware.Principal(c))
	respondOK(c, h.reserve.Status())
}

// UpdateConfig handles POST /api/v1/admin/config: persisted key/value
// overrides picked up on restart.
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "key and value are required", "code": "VALIDATION_ERROR",
		})
		return
	}
	if req.Key == "schema_version" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "schema_version is managed by migrations", "code": "VALIDATION_ERROR",
		})
		return
	}

	row := models.GlobalConfig{ConfigKey: req.Key, ConfigValue: req.Value, UpdatedAt: time.Now().UTC()}
	if err := h.db.Save(&row).Error; err != nil {
		respondError(c, err)
		return
	}

	h.audit.Record(services.AuditConfigUpdated, middleware.Principal(c), map[string]interface{}{
		"admin": middleware.Principal(c), "key": req.Key,
	})
	respondOK(c, row)
}

// AuditTail handles GET /api/v1/admin/audit?limit=.
func (h *AdminHandler) AuditTail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.audit.Tail(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, entries)
}

func (h *AdminHandler) cacheControls() map[string]clients.CacheControl {
	controls := make(map[string]clients.CacheControl)
	for _, name := range h.chains.Names() {
		rt, _ := h.chains.Get(name)
		if ctl, ok := rt.RPC.(clients.CacheControl); ok {
			controls[name] = ctl
		}
	}
	return controls
}

// ClearCache handles POST /api/v1/admin/cache/clear.
func (h *AdminHandler) ClearCache(c *gin.Context) {
	cleared := make([]string, 0)
	for name, ctl := range h.cacheControls() {
		ctl.ClearCache()
		cleared = append(cleared, name)
	}
	respondOK(c, gin.H{"cleared_chains": cleared})
}

// InvalidateGasCache handles POST /api/v1/admin/cache/invalidate-gas.
func (h *AdminHandler) InvalidateGasCache(c *gin.Context) {
	invalidated := make(map[string]int)
	for name, ctl := range h.cacheControls() {
		invalidated[name] = ctl.InvalidateGas()
	}
	respondOK(c, gin.H{"invalidated_entries": invalidated})
}

// CacheStats handles GET /api/v1/admin/cache/stats.
func (h *AdminHandler) CacheStats(c *gin.Context) {
	stats := make(map[string]clients.PoolStats)
	for name, ctl := range h.cacheControls() {
		stats[name] = ctl.Stats()
	}
	respondOK(c, stats)
}
