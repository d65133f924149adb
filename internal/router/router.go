package router

import (
	"net/http"
	"os"
	"strings"

	"gasless-bridge/internal/app"
	"gasless-bridge/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware allows the configured origins, defaulting to allow-all.
// Origins come from the CORS_ALLOWED_ORIGINS environment variable.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
			allowedOrigins = allowedOrigins[:0]
			for _, o := range strings.Split(env, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Emergency-Code")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// expirySweep opportunistically retires overdue quotes on every API entry.
func expirySweep(container *app.ServiceContainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		container.QuoteService.ExpireStale()
		c.Next()
	}
}

// SetupRouter wires every endpoint onto a gin engine.
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	logger := logrus.StandardLogger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	auth := middleware.NewAuthMiddleware(logger)
	adminAuth := middleware.NewAdminAuthMiddleware(container.DB, logger)

	// Unauthenticated surface.
	r.GET("/health", container.StatusHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", container.WSHub.Serve)
	r.POST("/api/v1/auth/admin-token", container.AuthHandler.AdminToken)

	api := r.Group("/api/v1")
	api.Use(auth.RequireAuth(), expirySweep(container))
	{
		api.POST("/quotes", container.QuoteHandler.CreateQuote)
		api.GET("/quotes/:id", container.QuoteHandler.GetQuote)
		api.POST("/quotes/:id/settle", container.SettlementHandler.SettleQuote)
		api.POST("/bridge", container.BridgeHandler.BridgeAssets)
		api.POST("/payments", container.BridgeHandler.CreatePayment)
		api.GET("/settlements/:id", container.SettlementHandler.GetSettlement)

		api.GET("/me/quotes", container.QuoteHandler.MyQuotes)
		api.GET("/me/settlements", container.SettlementHandler.MySettlements)
		api.GET("/me/transactions", container.BridgeHandler.MyTransactions)

		api.GET("/sponsorship", container.QuoteHandler.Sponsorship)
		api.GET("/reserve", container.StatusHandler.Reserve)
		api.GET("/statistics", container.BridgeHandler.Statistics)
		api.GET("/prices/status", container.StatusHandler.PriceStatus)
		api.GET("/rate", container.BridgeHandler.ConversionRate)
		api.GET("/config", container.BridgeHandler.PublicConfig)
		api.GET("/address", container.BridgeHandler.Address)
	}

	admin := api.Group("/admin")
	admin.Use(adminAuth.RequireAdmin())
	{
		admin.POST("/admins", container.AdminHandler.AddAdmin)
		admin.POST("/reserve/topup", container.AdminHandler.Topup)
		admin.POST("/reserve/daily-limit", container.AdminHandler.SetDailyLimit)
		admin.POST("/reserve/thresholds", container.AdminHandler.SetThresholds)
		admin.POST("/config", container.AdminHandler.UpdateConfig)
		admin.GET("/audit", container.AdminHandler.AuditTail)

		admin.POST("/cache/clear", container.AdminHandler.ClearCache)
		admin.POST("/cache/invalidate-gas", container.AdminHandler.InvalidateGasCache)
		admin.GET("/cache/stats", container.AdminHandler.CacheStats)

		emergency := admin.Group("/emergency")
		emergency.Use(adminAuth.RequireTOTP())
		{
			emergency.POST("/pause", container.AdminHandler.EmergencyPause)
			emergency.POST("/unpause", container.AdminHandler.EmergencyUnpause)
		}
	}

	return r
}
