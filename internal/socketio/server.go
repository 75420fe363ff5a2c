package socketio

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"desklink/internal/auth"
	"desklink/internal/hub"
	"desklink/internal/model"
	"desklink/internal/relay"
	"desklink/internal/session"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
	sendQueueLen               = 64
)

var (
	errSendQueueFull = errors.New("socket.io: send queue full")
	errClosed        = errors.New("socket.io: connection closed")
)

type Deps struct {
	TokenConfig auth.TokenConfig
	Hub         *hub.Hub
	Sessions    *session.Manager
	Relay       *relay.Relay
	Logger      *log.Logger
}

// Server is the browser realtime channel. Each authenticated connection is
// bound in the hub as user:<sub>.
type Server struct {
	tokenConfig auth.TokenConfig
	hub         *hub.Hub
	sessions    *session.Manager
	relay       *relay.Relay
	logger      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		tokenConfig: deps.TokenConfig,
		hub:         deps.Hub,
		sessions:    deps.Sessions,
		relay:       deps.Relay,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.disconnect(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	if err := c.enqueue(string(rune(engineOpen)) + string(openBytes)); err != nil {
		return
	}

	go c.writeLoop()
	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) disconnect(c *conn) {
	if c.binding != nil {
		s.hub.Unregister(c.binding)
		if !s.hub.IsOnline(c.binding.Identity) {
			for _, roomID := range c.joinedRooms() {
				s.sessions.Rooms().Leave(roomID, c.binding.Identity)
			}
		}
		s.logger.Printf("socket.io: %s disconnected (sid %s)", c.binding.Identity, c.sid)
	}
	_ = c.Close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}
	switch msg[0] {
	case enginePong:
		c.markPong()
	case engineMessage:
		p, err := decodePacket(msg[1:])
		if err != nil {
			return
		}
		s.handlePacket(c, p)
	case engineClose:
		_ = c.Close()
	}
}

func (s *Server) handlePacket(c *conn, p packet) {
	switch p.Type {
	case packetConnect:
		s.handleConnect(c, p)
	case packetEvent:
		if c.binding == nil {
			return
		}
		name, args, err := p.event()
		if err != nil {
			return
		}
		s.handleEvent(c, p, name, args)
	case packetDisconnect:
		_ = c.Close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleConnect(c *conn, p packet) {
	if c.binding != nil {
		return
	}
	fail := func(msg string) {
		_ = c.enqueue(connectErrorPacket(p.Namespace, msg).encode())
		c.closeAfterFlush()
	}

	var authObj connectAuth
	if len(p.Data) == 0 {
		fail("Missing auth")
		return
	}
	if err := json.Unmarshal(p.Data, &authObj); err != nil {
		fail("Invalid auth")
		return
	}
	if authObj.Token == "" {
		fail("Missing token")
		return
	}
	claims, err := auth.VerifyPurpose(authObj.Token, "", s.tokenConfig)
	if err != nil {
		fail("Invalid authentication token")
		return
	}

	c.binding = &hub.Connection{Identity: model.UserIdentity(claims.UserID), Writer: c}
	c.namespace = p.Namespace
	s.hub.Register(c.binding)
	s.logger.Printf("socket.io: %s connected (sid %s)", c.binding.Identity, c.sid)

	_ = c.enqueue(connectPacket(p.Namespace, c.sid).encode())
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleEvent(c *conn, p packet, name string, args []json.RawMessage) {
	me := c.binding.Identity

	switch name {
	case "ping":
		s.ack(c, p, gin.H{"ok": true})

	case relay.EventSignal:
		var env model.Envelope
		if len(args) < 1 || json.Unmarshal(args[0], &env) != nil || env.SessionID == "" || env.Type == "" {
			return
		}
		s.relay.Send(me, env)

	case "join-room":
		var body roomRef
		if len(args) < 1 || json.Unmarshal(args[0], &body) != nil || body.RoomID == "" {
			s.ack(c, p, gin.H{"ok": false, "error": "Missing roomId"})
			return
		}
		s.sessions.Rooms().Join(body.RoomID, me)
		c.trackRoom(body.RoomID, true)
		s.ack(c, p, gin.H{"ok": true, "members": s.sessions.Rooms().Members(body.RoomID)})

	case "leave-room":
		var body roomRef
		if len(args) < 1 || json.Unmarshal(args[0], &body) != nil || body.RoomID == "" {
			s.ack(c, p, gin.H{"ok": false, "error": "Missing roomId"})
			return
		}
		s.sessions.Rooms().Leave(body.RoomID, me)
		c.trackRoom(body.RoomID, false)
		s.ack(c, p, gin.H{"ok": true})

	case "session-accept", "session-reject", "session-complete":
		var body sessionRef
		if len(args) < 1 || json.Unmarshal(args[0], &body) != nil || body.SessionID == "" {
			s.ack(c, p, gin.H{"ok": false, "error": "Missing sessionId"})
			return
		}
		var (
			rec model.SessionRecord
			err error
		)
		switch name {
		case "session-accept":
			rec, err = s.sessions.Accept(body.SessionID, me)
		case "session-reject":
			rec, err = s.sessions.Reject(body.SessionID, me)
		default:
			rec, err = s.sessions.Complete(body.SessionID, me)
		}
		if err != nil {
			s.ack(c, p, gin.H{"ok": false, "error": session.Reason(err)})
			return
		}
		s.ack(c, p, gin.H{"ok": true, "session": relay.NoticeFor(rec)})
	}
}

func (s *Server) ack(c *conn, p packet, body any) {
	if p.ID == nil {
		return
	}
	pkt, err := ackPacket(p.Namespace, *p.ID, body)
	if err != nil {
		return
	}
	_ = c.enqueue(pkt.encode())
}

type conn struct {
	ws  *websocket.Conn
	sid string

	// Set once by the connect packet on the read goroutine.
	binding   *hub.Connection
	namespace string

	send      chan string
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		send:       make(chan string, sendQueueLen),
		done:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// Emit implements hub.Writer. It only enqueues.
func (c *conn) Emit(event string, body any) error {
	ns := c.namespace
	if ns == "" {
		ns = "/"
	}
	pkt, err := eventPacket(ns, event, body)
	if err != nil {
		return err
	}
	return c.enqueue(pkt.encode())
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) enqueue(frame string) error {
	if c.closed.Load() {
		return errClosed
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClosed
	default:
		return errSendQueueFull
	}
}

// closeAfterFlush gives the writer a moment to deliver the last frames
// before the socket goes away.
func (c *conn) closeAfterFlush() {
	time.AfterFunc(100*time.Millisecond, func() { _ = c.Close() })
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *conn) readLoop(onMessage func(string)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
				c.pingMu.Unlock()
				_ = c.Close()
				return
			}
			due := !c.awaitingPong && !now.Before(c.nextPingAt)
			if due {
				c.awaitingPong = true
				c.pingSentAt = now
				c.nextPingAt = now.Add(pingInterval)
			}
			c.pingMu.Unlock()
			if due {
				_ = c.enqueue(string(rune(enginePing)))
			}
		}
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) trackRoom(roomID string, joined bool) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if joined {
		c.rooms[roomID] = struct{}{}
	} else {
		delete(c.rooms, roomID)
	}
}

func (c *conn) joinedRooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
