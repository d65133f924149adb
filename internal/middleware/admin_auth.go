package middleware

import (
	"net/http"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdminAuthMiddleware gates privileged endpoints on membership in the admins
// table. It runs after RequireAuth, so the principal is already resolved.
type AdminAuthMiddleware struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAdminAuthMiddleware(db *gorm.DB, logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{db: db, logger: logger}
}

// RequireAdmin rejects callers not present in the admins table.
func (a *AdminAuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := Principal(c)
		if principal == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"code":    "MISSING_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		var admin models.Admin
		if err := a.db.Where("principal = ?", principal).First(&admin).Error; err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":      c.Request.URL.Path,
				"principal": principal,
			}).Warn("Admin auth failed - not an admin")

			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Admin privileges required",
				"code":    "NOT_ADMIN",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireTOTP additionally demands a fresh TOTP code in the X-Emergency-Code
// header. Reserved for emergency pause and unpause.
func (a *AdminAuthMiddleware) RequireTOTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := config.AppConfig.Auth.EmergencyTOTPKey
		if secret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Emergency operations are not configured",
				"code":    "CONFIG_ERROR",
			})
			c.Abort()
			return
		}

		code := c.GetHeader("X-Emergency-Code")
		if code == "" || !totp.Validate(code, secret) {
			a.logger.WithFields(logrus.Fields{
				"path":      c.Request.URL.Path,
				"principal": Principal(c),
			}).Warn("Emergency auth failed - bad TOTP code")

			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Valid emergency code required",
				"code":    "INVALID_EMERGENCY_CODE",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
