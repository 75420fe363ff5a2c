package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"desklink/internal/devicecfg"
	"desklink/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
)

// ErrTokenRejected means the coordinator refused the stored agent token. The
// agent keeps retrying; a new pairing replaces the token.
var ErrTokenRejected = errors.New("agent token rejected")

// channel is one live websocket to /api/agent/ws. Writes are serialized.
type channel struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *channel) send(msg model.AgentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *channel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// channelURL maps the configured http(s) server URL to the agent websocket.
func channelURL(cfg devicecfg.Config) (string, error) {
	base := cfg.ServerURL
	if base == "" {
		base = devicecfg.DefaultServerURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/agent/ws"
	u.RawQuery = url.Values{"token": {cfg.OwnerToken}, "deviceId": {cfg.DeviceID}}.Encode()
	return u.String(), nil
}

// maintain keeps one channel open until ctx is done, redialing with
// exponential backoff. The delay resets after a connection that got as far as
// the welcome frame.
func (a *Agent) maintain(ctx context.Context, cfg devicecfg.Config) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.minBackoff
	b.MaxInterval = a.maxBackoff

	for {
		welcomed, err := a.connect(ctx, cfg)
		if ctx.Err() != nil {
			return
		}
		if welcomed {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait < 0 {
			wait = a.maxBackoff
		}
		a.logger.Printf("agent: channel closed: %v; reconnecting in %s", err, wait.Round(time.Millisecond))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (a *Agent) connect(ctx context.Context, cfg devicecfg.Config) (bool, error) {
	target, err := channelURL(cfg)
	if err != nil {
		return false, err
	}
	ws, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrTokenRejected
		}
		return false, errors.Wrap(err, "dial coordinator")
	}
	ch := &channel{ws: ws}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = ws.Close()
				return
			case <-done:
				return
			case <-t.C:
				if err := ch.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()
	defer ws.Close()

	ws.SetReadLimit(1024 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	var welcome model.Welcome
	if err := readWelcome(ws, &welcome); err != nil {
		return false, err
	}
	owner := welcome.OwnerID
	if owner == "" {
		owner = cfg.OwnerID
	}

	a.mu.Lock()
	a.ch = ch
	a.owner = model.UserIdentity(owner)
	a.mu.Unlock()
	a.logger.Printf("agent: connected as %s (owner %s)", model.DeviceIdentity(welcome.DeviceID), owner)

	defer func() {
		a.mu.Lock()
		if a.ch == ch {
			a.ch = nil
		}
		a.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, "read")
		}
		var msg model.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Printf("agent: ignoring malformed frame: %v", err)
			continue
		}
		a.handle(ctx, msg)
	}
}

func readWelcome(ws *websocket.Conn, out *model.Welcome) error {
	var msg model.AgentMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return errors.Wrap(err, "await welcome")
	}
	if msg.Type != "welcome" {
		return errors.Newf("expected welcome, got %q", msg.Type)
	}
	if err := json.Unmarshal(msg.Body, out); err != nil {
		return errors.Wrap(err, "decode welcome")
	}
	return nil
}
