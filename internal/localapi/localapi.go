// Package localapi is the agent's loopback HTTP API used by the browser on
// the same machine to read the device id, hand over a provisioning token and
// drive remote control.
package localapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"desklink/internal/bridge"
	"desklink/internal/devicecfg"
	"desklink/internal/pairing"
)

const DefaultAddr = "127.0.0.1:17600"

var (
	ErrBadRequest = errors.New("bad request")
	// ErrNoSession is returned by RemoteControl when no session is known.
	ErrNoSession = errors.New("no session")
)

type Provisioner interface {
	Submit(token string) error
}

type Status struct {
	DeviceID      string `json:"deviceId"`
	Paired        bool   `json:"paired"`
	Connected     bool   `json:"connected"`
	ActiveSession string `json:"activeSession,omitempty"`
}

// RemoteControl starts and stops remote control for a session. An empty
// sessionID means the current one.
type RemoteControl interface {
	StartRemote(ctx context.Context, sessionID string) error
	StopRemote(ctx context.Context, sessionID string) error
	Status() Status
}

type Deps struct {
	Config  *devicecfg.Store
	Pairing Provisioner
	Remote  RemoteControl
	Logger  *log.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	h := &handlers{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoopbackOnly())
	r.Use(OpenCORS())

	r.GET("/device-id", h.deviceID)
	r.GET("/status", h.status)
	r.POST("/provision", h.provision)
	r.POST("/remote/start", h.remote(deps.Remote.StartRemote, "start"))
	r.POST("/remote/stop", h.remote(deps.Remote.StopRemote, "stop"))
	r.NoRoute(func(c *gin.Context) { c.String(http.StatusNotFound, "Not Found") })
	return r
}

func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// LoopbackOnly refuses requests whose peer address is not a loopback address.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			c.String(http.StatusForbidden, "Forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

func OpenCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type handlers struct {
	deps Deps
}

func (h *handlers) deviceID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deviceId": h.deps.Config.Get().DeviceID})
}

func (h *handlers) status(c *gin.Context) {
	st := h.deps.Remote.Status()
	st.DeviceID = h.deps.Config.Get().DeviceID
	st.Paired = h.deps.Config.Get().Paired()
	c.JSON(http.StatusOK, st)
}

func (h *handlers) provision(c *gin.Context) {
	token, err := provisioningToken(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Missing token")
		return
	}

	switch err := h.deps.Pairing.Submit(token); {
	case err == nil:
		h.deps.Logger.Printf("local api: provisioning token received")
		c.String(http.StatusOK, "OK")
	case errors.Is(err, pairing.ErrQueueFull), errors.Is(err, pairing.ErrClosed):
		h.deps.Logger.Printf("local api: provisioning token not queued: %v", err)
		c.String(http.StatusServiceUnavailable, "Busy")
	default:
		c.String(http.StatusBadRequest, "Missing token")
	}
}

func provisioningToken(body io.Reader) (string, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&req); err != nil {
		return "", errors.Wrap(ErrBadRequest, "malformed body")
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return "", errors.Wrap(ErrBadRequest, "missing token")
	}
	return token, nil
}

type remoteBody struct {
	SessionID string `json:"sessionId"`
}

func (h *handlers) remote(fn func(context.Context, string) error, verb string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body remoteBody
		if c.Request.ContentLength != 0 {
			_ = c.ShouldBindJSON(&body)
		}
		h.deps.Logger.Printf("local api: remote %s requested (session %q)", verb, body.SessionID)

		err := fn(c.Request.Context(), body.SessionID)
		switch {
		case err == nil:
			c.String(http.StatusOK, "OK")
		case errors.Is(err, ErrNoSession):
			c.String(http.StatusConflict, "No session")
		case errors.Is(err, bridge.ErrBridgeUnavailable):
			h.deps.Logger.Printf("local api: remote %s: %v", verb, err)
			c.String(http.StatusServiceUnavailable, "BridgeUnavailable")
		case errors.Is(err, bridge.ErrUnauthorized):
			c.String(http.StatusForbidden, "Refused")
		default:
			h.deps.Logger.Printf("local api: remote %s: %v", verb, err)
			c.String(http.StatusInternalServerError, "Error")
		}
	}
}
