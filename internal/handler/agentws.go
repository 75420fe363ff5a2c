package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"desklink/internal/auth"
	"desklink/internal/hub"
	"desklink/internal/model"
	"desklink/internal/relay"
	"desklink/internal/session"
)

const (
	agentPongWait     = 60 * time.Second
	agentWriteWait    = 10 * time.Second
	agentSendQueueLen = 64
)

var (
	errAgentQueueFull = errors.New("agent channel: send queue full")
	errAgentClosed    = errors.New("agent channel: closed")
)

// AgentSocketHandler serves the device agent channel. The agent token must be
// bound to the deviceId it connects as.
type AgentSocketHandler struct {
	Hub         *hub.Hub
	Sessions    *session.Manager
	Relay       *relay.Relay
	TokenConfig auth.TokenConfig
	Logger      *log.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// agentWriter queues frames for the connection's writer goroutine.
type agentWriter struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newAgentWriter(ws *websocket.Conn) *agentWriter {
	return &agentWriter{ws: ws, send: make(chan []byte, agentSendQueueLen), done: make(chan struct{})}
}

func (w *agentWriter) Emit(event string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	return w.write(model.AgentMessage{Type: "event", Event: event, Body: raw})
}

func (w *agentWriter) write(msg model.AgentMessage) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return errAgentClosed
	default:
	}
	select {
	case w.send <- out:
		return nil
	default:
		return errAgentQueueFull
	}
}

func (w *agentWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.ws.Close()
	})
	return nil
}

func (w *agentWriter) run(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case out := <-w.send:
			_ = w.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := w.ws.WriteMessage(websocket.TextMessage, out); err != nil {
				_ = w.Close()
				return
			}
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(agentWriteWait)); err != nil {
				_ = w.Close()
				return
			}
		}
	}
}

func (h *AgentSocketHandler) Serve(c *gin.Context) {
	deviceID := c.Query("deviceId")
	tokenString := c.Query("token")
	if tokenString == "" || deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyPurpose(tokenString, auth.PurposeAgent, h.TokenConfig)
	if err != nil || claims.DeviceID != deviceID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	w := newAgentWriter(ws)
	welcome, _ := json.Marshal(model.Welcome{DeviceID: deviceID, OwnerID: claims.UserID})
	_ = w.write(model.AgentMessage{Type: "welcome", Body: welcome})

	conn := &hub.Connection{Identity: model.DeviceIdentity(deviceID), Writer: w}
	h.Hub.Register(conn)
	h.Logger.Printf("agent channel: %s connected (owner %s)", conn.Identity, claims.UserID)
	defer func() {
		h.Hub.Unregister(conn)
		_ = w.Close()
		h.Logger.Printf("agent channel: %s disconnected", conn.Identity)
	}()

	ws.SetReadLimit(1024 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(agentPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(agentPongWait))
	})

	go w.run((agentPongWait * 9) / 10)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg model.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.handle(w, conn.Identity, msg)
	}
}

func (h *AgentSocketHandler) handle(w *agentWriter, me model.Identity, msg model.AgentMessage) {
	switch msg.Type {
	case "ping":
		_ = w.write(model.AgentMessage{Type: "pong"})

	case "signal":
		if msg.Signal == nil || msg.Signal.SessionID == "" || msg.Signal.Type == "" {
			return
		}
		h.Relay.Send(me, *msg.Signal)

	case "accept", "reject", "complete":
		if msg.SessionID == "" {
			_ = w.write(model.AgentMessage{Type: "result", Event: msg.Type, Error: "Missing sessionId"})
			return
		}
		var err error
		switch msg.Type {
		case "accept":
			_, err = h.Sessions.Accept(msg.SessionID, me)
		case "reject":
			_, err = h.Sessions.Reject(msg.SessionID, me)
		default:
			_, err = h.Sessions.Complete(msg.SessionID, me)
		}
		res := model.AgentMessage{Type: "result", Event: msg.Type, SessionID: msg.SessionID}
		if err != nil {
			res.Error = session.Reason(err)
		}
		_ = w.write(res)
	}
}
