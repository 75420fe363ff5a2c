package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/config"
)

var testTokenConfig = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

func newTestBackend(t *testing.T, cfg config.Config) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg.MasterSecret = testTokenConfig.Secret
	return NewBackend(Deps{Config: cfg, TokenConfig: testTokenConfig})
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.CreateToken(userID, testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "ok" || resp["timestamp"] == "" {
		t.Fatalf("unexpected health body: %v", resp)
	}
}

func TestTurnToken_NoSecretServesFallback(t *testing.T) {
	b := newTestBackend(t, config.Config{TURNURL: "turn:relay.example:3478"})
	w := doJSON(t, b.Engine, http.MethodGet, "/api/remote/turn-token", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "openrelay.metered.ca") {
		t.Fatalf("expected fallback relays, got %s", body)
	}
	if strings.Contains(body, "relay.example") {
		t.Fatalf("configured relay served without a secret: %s", body)
	}
}

func TestTurnToken_IssuesPerIdentityCredential(t *testing.T) {
	b := newTestBackend(t, config.Config{
		TURNURL:    "turn:relay.example:3478",
		TURNSecret: "turn-secret",
		TURNTTL:    time.Hour,
	})

	var resp struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}

	w := doJSON(t, b.Engine, http.MethodGet, "/api/remote/turn-token", userToken(t, "alice"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	last := resp.ICEServers[len(resp.ICEServers)-1]
	if last.URLs[0] != "turn:relay.example:3478" || !strings.HasSuffix(last.Username, ":user%3Aalice") || last.Credential == "" {
		t.Fatalf("unexpected relay entry: %+v", last)
	}

	w = doJSON(t, b.Engine, http.MethodGet, "/api/remote/turn-token", "not-a-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for invalid bearer, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), ":anonymous") {
		t.Fatalf("expected anonymous credential, got %s", w.Body.String())
	}
}

func TestRemoteRequest_RequiresAuth(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", "", map[string]any{"target": "bob"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRemoteRequest_OfflineTargetIsRecipientUnavailable(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", userToken(t, "alice"), map[string]any{"target": "bob"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["error"] != "recipient unavailable" {
		t.Fatalf("unexpected error body: %v", resp)
	}
}

func TestRemoteRequest_MissingTarget(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", userToken(t, "alice"), map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRemoteRequest_RateLimited(t *testing.T) {
	b := newTestBackend(t, config.Config{RequestRateLimit: 1})
	tok := userToken(t, "alice")
	_ = doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", tok, map[string]any{"target": "bob"})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", tok, map[string]any{"target": "bob"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRemoteAccept_UnknownSession(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/accept", userToken(t, "bob"), map[string]any{"sessionId": "nope"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/accept", userToken(t, "bob"), map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRemoteDebug(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodGet, "/api/remote/debug", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProvisionAndPair(t *testing.T) {
	b := newTestBackend(t, config.Config{ProvisionTokenTTL: time.Minute})

	w := doJSON(t, b.Engine, http.MethodPost, "/api/agent/provision", userToken(t, "alice"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	provisionToken, _ := decodeBody(t, w)["token"].(string)
	if provisionToken == "" {
		t.Fatalf("missing provisioning token")
	}

	// A provisioning token is not a user session token.
	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", provisionToken, map[string]any{"target": "bob"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for provisioning token, got %d", w.Code)
	}

	w = doJSON(t, b.Engine, http.MethodPost, "/api/agent/pair", "", map[string]any{"token": provisionToken, "deviceId": "dev-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["ownerId"] != "alice" || resp["deviceId"] != "dev-1" {
		t.Fatalf("unexpected pair response: %v", resp)
	}
	agentToken, _ := resp["token"].(string)
	claims, err := auth.VerifyPurpose(agentToken, auth.PurposeAgent, testTokenConfig)
	if err != nil || claims.DeviceID != "dev-1" {
		t.Fatalf("unexpected agent token: %v %+v", err, claims)
	}

	w = doJSON(t, b.Engine, http.MethodPost, "/api/agent/pair", "", map[string]any{"token": provisionToken, "deviceId": "dev-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on reuse, got %d", w.Code)
	}
}

func TestPair_RejectsUserToken(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodPost, "/api/agent/pair", "", map[string]any{"token": userToken(t, "alice"), "deviceId": "dev-1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	w := doJSON(t, b.Engine, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	for _, name := range []string{
		"desklink_active_sessions",
		"desklink_offers_relayed_total",
		"desklink_ice_failures_total",
		"desklink_datachannel_msgs_total",
	} {
		if !strings.Contains(w.Body.String(), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
