package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gasless-bridge/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
	config.AppConfig = &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret"},
	}
}

func TestCallerTokenRoundTrip(t *testing.T) {
	token, err := IssueCallerToken("alice-principal", "user", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := ValidateCallerToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.Principal != "alice-principal" {
		t.Errorf("principal = %s, want alice-principal", claims.Principal)
	}
	if claims.Role != "user" {
		t.Errorf("role = %s, want user", claims.Role)
	}
}

func TestValidateCallerTokenRejectsExpired(t *testing.T) {
	token, err := IssueCallerToken("alice-principal", "user", -time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := ValidateCallerToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestValidateCallerTokenRejectsGarbage(t *testing.T) {
	if _, err := ValidateCallerToken("not.a.token"); err == nil {
		t.Error("malformed token accepted")
	}
}

func authTestRouter() *gin.Engine {
	r := gin.New()
	auth := NewAuthMiddleware(logrus.New())
	r.GET("/whoami", auth.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"principal": Principal(c)})
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	r := authTestRouter()

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/whoami", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := IssueCallerToken("alice-principal", "user", time.Hour)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if body := w.Body.String(); body != `{"principal":"alice-principal"}` {
			t.Errorf("body = %s", body)
		}
	})
}
