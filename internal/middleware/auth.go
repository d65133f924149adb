package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"gasless-bridge/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// PrincipalKey is the gin context key carrying the authenticated caller.
const PrincipalKey = "principal"

// CallerClaims is the bearer token payload identifying a bridge user.
type CallerClaims struct {
	Principal string `json:"principal"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueCallerToken mints a token for a principal. Used by the operator CLI.
func IssueCallerToken(principal, role string, ttl time.Duration) (string, error) {
	claims := CallerClaims{
		Principal: principal,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			Issuer:    "gasless-bridge",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.Auth.JWTSecret))
}

// ValidateCallerToken parses and verifies a bearer token.
func ValidateCallerToken(tokenString string) (*CallerClaims, error) {
	claims := &CallerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(config.AppConfig.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Principal == "" {
		claims.Principal = claims.Subject
	}
	if claims.Principal == "" {
		return nil, fmt.Errorf("token has no principal")
	}
	return claims, nil
}

// AuthMiddleware resolves the caller identity for user-facing endpoints.
type AuthMiddleware struct {
	logger *logrus.Logger
}

func NewAuthMiddleware(logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{logger: logger}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// principal on the context.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"code":    "MISSING_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := ValidateCallerToken(tokenString)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			}).Warn("Auth failed - invalid token")

			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired token",
				"code":    "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		c.Set(PrincipalKey, claims.Principal)
		c.Next()
	}
}

// Principal reads the authenticated caller from the context.
func Principal(c *gin.Context) string {
	if v, ok := c.Get(PrincipalKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
