package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/model"
)

var testTokenConfig = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

func identityEcho(c *gin.Context) {
	id, ok := IdentityFromContext(c)
	if !ok {
		c.String(http.StatusOK, "anonymous")
		return
	}
	c.String(http.StatusOK, id.String())
}

func TestRequireAuth_SetsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := auth.CreateToken("user-1", testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig), identityEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != string(model.UserIdentity("user-1")) {
		t.Fatalf("unexpected identity %q", w.Body.String())
	}
}

func TestRequireAuth_RejectsAgentToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := auth.CreatePurposeToken("user-1", auth.PurposeAgent, "dev-1", time.Minute, testTokenConfig)
	if err != nil {
		t.Fatalf("CreatePurposeToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig), identityEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOptionalAuth_Anonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", OptionalAuth(testTokenConfig), identityEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous 200, got %d %q", w.Code, w.Body.String())
	}
}
