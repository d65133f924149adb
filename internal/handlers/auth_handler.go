package handlers

import (
	"net/http"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler mints bearer tokens for the bootstrap admin. Regular callers
// bring tokens issued by the host platform.
type AuthHandler struct {
	logger *logrus.Logger
}

func NewAuthHandler(logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{logger: logger}
}

// AdminTokenRequest is the POST /api/v1/auth/admin-token body.
type AdminTokenRequest struct {
	Principal string `json:"principal" binding:"required"`
	Secret    string `json:"secret" binding:"required"`
}

// AdminToken exchanges the configured admin secret for a 24 h bearer token.
// The secret is only ever stored as a bcrypt hash.
func (h *AuthHandler) AdminToken(c *gin.Context) {
	var req AdminTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "error": "principal and secret are required", "code": "VALIDATION_ERROR",
		})
		return
	}

	hash := config.AppConfig.Auth.AdminSecretHash
	if hash == "" || req.Principal != config.AppConfig.Auth.BootstrapAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false, "error": "Admin token minting is not available for this principal", "code": "NOT_ADMIN",
		})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Secret)); err != nil {
		h.logger.WithField("principal", req.Principal).Warn("Admin token request with bad secret")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false, "error": "Invalid credentials", "code": "INVALID_CREDENTIALS",
		})
		return
	}

	token, err := middleware.IssueCallerToken(req.Principal, "admin", 24*time.Hour)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"token": token, "expires_in": int((24 * time.Hour).Seconds())})
}
