package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"desklink/internal/auth"
	"desklink/internal/config"
	"desklink/internal/model"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// dialSocketIO opens a socket.io connection and completes the handshake.
func dialSocketIO(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/socket.io/?EIO=4&transport=websocket"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", open)
	}
	authBytes, _ := json.Marshal(map[string]any{"token": token})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, "40", 2*time.Second)
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage(%s): %v", frame, err)
	}
}

// eventBody decodes the first argument of a "42[...]" frame.
func eventBody(t *testing.T, frame string, out any) {
	t.Helper()
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(frame[2:]), &arr); err != nil || len(arr) < 2 {
		t.Fatalf("bad event frame %s: %v", frame, err)
	}
	if err := json.Unmarshal(arr[1], out); err != nil {
		t.Fatalf("bad event body %s: %v", frame, err)
	}
}

func waitOnline(t *testing.T, b *Backend, id model.Identity) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !b.Hub.IsOnline(id) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSocketIOHandshakeAndPingAck(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	conn := dialSocketIO(t, srv, userToken(t, "user-1"))
	defer conn.Close()

	emit(t, conn, `421["ping"]`)
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != `431[{"ok":true}]` {
		t.Fatalf("unexpected ack: %s", ack)
	}
	if !b.Hub.IsOnline(model.UserIdentity("user-1")) {
		t.Fatalf("expected user-1 bound in hub")
	}
}

func TestSocketIORejectsInvalidToken(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/socket.io/?EIO=4&transport=websocket"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)
	emit(t, conn, `40{"token":"garbage"}`)
	msg := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(msg, "Invalid authentication token") {
		t.Fatalf("unexpected connect error: %s", msg)
	}
}

// A requests B, B accepts, A's offer reaches B and activates the session,
// then completion removes it.
func TestSessionScenario_OfferActivatesThenComplete(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	tokA, tokB := userToken(t, "alice"), userToken(t, "bob")
	connA := dialSocketIO(t, srv, tokA)
	defer connA.Close()
	connB := dialSocketIO(t, srv, tokB)
	defer connB.Close()

	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", tokA, map[string]any{"target": "user:bob"})
	if w.Code != http.StatusOK {
		t.Fatalf("request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	var notice model.Notice
	eventBody(t, waitForPrefix(t, connB, `42["session-request"`, 2*time.Second), &notice)
	if notice.SessionID != sessionID || notice.Initiator != model.UserIdentity("alice") {
		t.Fatalf("unexpected request notice: %+v", notice)
	}

	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", tokA, map[string]any{"target": "user:bob"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate request: expected 409, got %d", w.Code)
	}

	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/accept", tokA, map[string]any{"sessionId": sessionID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("initiator accept: expected 403, got %d", w.Code)
	}
	emit(t, connB, `425["session-accept",{"sessionId":"`+sessionID+`"}]`)
	if ack := waitForPrefix(t, connB, "435", 2*time.Second); !strings.Contains(ack, `"ok":true`) {
		t.Fatalf("accept ack: %s", ack)
	}
	_ = waitForPrefix(t, connA, `42["session-accepted"`, 2*time.Second)

	offer := `{"sessionId":"` + sessionID + `","type":"offer","payload":{"type":"offer","sdp":"v=0"}}`
	emit(t, connA, `42["signal",`+offer+`]`)

	var env model.Envelope
	eventBody(t, waitForPrefix(t, connB, `42["signal"`, 2*time.Second), &env)
	if env.Type != "offer" || env.From != model.UserIdentity("alice") || !strings.Contains(string(env.Payload), `"sdp":"v=0"`) {
		t.Fatalf("unexpected forwarded envelope: %+v", env)
	}
	_ = waitForPrefix(t, connB, `42["session-active"`, 2*time.Second)

	snap := b.Metrics.Snapshot()
	if snap.OffersRelayed != 1 || snap.ActiveSessions != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	rec, err := b.Sessions.Get(sessionID)
	if err != nil || rec.State != model.StateActive {
		t.Fatalf("expected Active, got %+v %v", rec, err)
	}

	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/session/"+sessionID+"/complete", tokB, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", w.Code)
	}
	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/complete", tokA, map[string]any{"sessionId": sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("second complete: expected 200, got %d", w.Code)
	}
	w = doJSON(t, b.Engine, http.MethodPost, "/api/remote/accept", tokB, map[string]any{"sessionId": sessionID})
	if w.Code != http.StatusConflict || decodeBody(t, w)["error"] != "session no longer pending" {
		t.Fatalf("late accept: expected 409 no longer pending, got %d %s", w.Code, w.Body.String())
	}
	if b.Metrics.Snapshot().ActiveSessions != 0 {
		t.Fatalf("expected gauge back to 0")
	}
}

func dialAgent(t *testing.T, srv *httptest.Server, token, deviceID string) (*websocket.Conn, model.Welcome) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/agent/ws?token="+token+"&deviceId="+deviceID), nil)
	if err != nil {
		t.Fatalf("Dial(agent): %v", err)
	}
	var msg model.AgentMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "welcome" {
		t.Fatalf("expected welcome, got %+v %v", msg, err)
	}
	var welcome model.Welcome
	_ = json.Unmarshal(msg.Body, &welcome)
	return conn, welcome
}

func readAgent(t *testing.T, conn *websocket.Conn, match func(model.AgentMessage) bool) model.AgentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var msg model.AgentMessage
		_ = conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatalf("timeout waiting for agent frame")
	return model.AgentMessage{}
}

func TestAgentChannel_WelcomeAndPing(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	tok, err := auth.CreatePurposeToken("alice", auth.PurposeAgent, "dev-1", time.Hour, testTokenConfig)
	if err != nil {
		t.Fatalf("CreatePurposeToken: %v", err)
	}
	conn, welcome := dialAgent(t, srv, tok, "dev-1")
	defer conn.Close()
	if welcome.DeviceID != "dev-1" || welcome.OwnerID != "alice" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}

	if err := conn.WriteJSON(model.AgentMessage{Type: "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readAgent(t, conn, func(m model.AgentMessage) bool { return m.Type == "pong" })
}

func TestAgentChannel_RejectsTokenForOtherDevice(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	tok, _ := auth.CreatePurposeToken("alice", auth.PurposeAgent, "dev-1", time.Hour, testTokenConfig)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/agent/ws?token="+tok+"&deviceId=dev-2"), nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAgentChannel_BrowserToDeviceSession(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	srv := httptest.NewServer(b.Engine)
	defer srv.Close()

	agentTok, _ := auth.CreatePurposeToken("alice", auth.PurposeAgent, "dev-1", time.Hour, testTokenConfig)
	agent, _ := dialAgent(t, srv, agentTok, "dev-1")
	defer agent.Close()
	waitOnline(t, b, model.DeviceIdentity("dev-1"))

	tokA := userToken(t, "alice")
	browser := dialSocketIO(t, srv, tokA)
	defer browser.Close()

	w := doJSON(t, b.Engine, http.MethodPost, "/api/remote/request", tokA, map[string]any{"target": "device:dev-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	readAgent(t, agent, func(m model.AgentMessage) bool { return m.Type == "event" && m.Event == "session-request" })
	if err := agent.WriteJSON(model.AgentMessage{Type: "accept", SessionID: sessionID}); err != nil {
		t.Fatalf("WriteJSON(accept): %v", err)
	}
	res := readAgent(t, agent, func(m model.AgentMessage) bool { return m.Type == "result" })
	if res.Error != "" {
		t.Fatalf("accept failed: %s", res.Error)
	}
	_ = waitForPrefix(t, browser, `42["session-accepted"`, 2*time.Second)

	emit(t, browser, `42["signal",{"sessionId":"`+sessionID+`","type":"offer","payload":{"sdp":"v=0"}}]`)
	sig := readAgent(t, agent, func(m model.AgentMessage) bool { return m.Type == "event" && m.Event == "signal" })
	var env model.Envelope
	if err := json.Unmarshal(sig.Body, &env); err != nil || env.Type != "offer" {
		t.Fatalf("unexpected signal body: %s %v", sig.Body, err)
	}

	answer := model.Envelope{SessionID: sessionID, Type: "answer", Payload: json.RawMessage(`{"sdp":"v=0"}`)}
	if err := agent.WriteJSON(model.AgentMessage{Type: "signal", Signal: &answer}); err != nil {
		t.Fatalf("WriteJSON(answer): %v", err)
	}
	var got model.Envelope
	eventBody(t, waitForPrefix(t, browser, `42["signal"`, 2*time.Second), &got)
	if got.Type != "answer" || got.From != model.DeviceIdentity("dev-1") {
		t.Fatalf("unexpected answer: %+v", got)
	}
}
