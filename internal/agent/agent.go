// Package agent keeps the desktop agent connected to the coordinator once the
// device is paired, answers its owner's session requests and drives the
// executor through the command bridge.
package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"desklink/internal/bridge"
	"desklink/internal/devicecfg"
	"desklink/internal/localapi"
	"desklink/internal/model"
	"desklink/internal/pairing"
)

var errNotConnected = errors.New("agent: not connected")

// Dispatcher delivers commands to the executor. *bridge.Client implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd bridge.Command) error
}

type Option func(*Agent)

func WithLogger(l *log.Logger) Option { return func(a *Agent) { a.logger = l } }

func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(a *Agent) { a.ice = servers }
}

// WithDialer replaces the dialer used for the agent channel.
// WithDialer replaces the dialer used for the agent channel.
func WithDialer(d *websocket.Dialer) Option { return func(a *Agent) { a.dialer = d } }

// WithBackoff bounds the reconnect delay.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(a *Agent) {
		if initial > 0 {
			a.minBackoff = initial
		}
		if ceiling >= a.minBackoff {
			a.maxBackoff = ceiling
		}
	}
}

type Agent struct {
	store  *devicecfg.Store
	bridge Dispatcher
	logger *log.Logger
	ice    []webrtc.ICEServer
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex
	ch       *channel
	owner    model.Identity
	sessions map[string]*remoteSession
	active   string
}

func New(store *devicecfg.Store, d Dispatcher, opts ...Option) *Agent {
	a := &Agent{
		store:      store,
		bridge:     d,
		logger:     log.Default(),
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		sessions:   make(map[string]*remoteSession),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run connects with the stored agent token if there is one and otherwise
// waits for a pairing event. A later pairing event replaces the connection.
// Run returns when ctx is done.
func (a *Agent) Run(ctx context.Context, events <-chan pairing.Event) error {
	cancel := context.CancelFunc(func() {})
	var done chan struct{}
	stop := func() {
		cancel()
		if done != nil {
			<-done
		}
	}
	start := func(cfg devicecfg.Config) {
		stop()
		var connCtx context.Context
		connCtx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		go func(d chan struct{}) {
			defer close(d)
			a.maintain(connCtx, cfg)
		}(done)
	}

	if cfg := a.store.Get(); cfg.Paired() {
		start(cfg)
	} else {
		a.logger.Printf("agent: device %s not paired, waiting for a provisioning token", cfg.DeviceID)
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			a.closeSessions()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.logger.Printf("agent: paired to %s, connecting", ev.Config.OwnerID)
			a.closeSessions()
			start(ev.Config)
		}
	}
}

// Status implements localapi.RemoteControl. Device id and pairing state are
// filled in by the caller.
func (a *Agent) Status() localapi.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return localapi.Status{Connected: a.ch != nil, ActiveSession: a.active}
}

func (a *Agent) StartRemote(ctx context.Context, sessionID string) error {
	rs, err := a.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := a.bridge.Dispatch(ctx, bridge.Command{
		Kind:      bridge.KindStart,
		SessionID: rs.id,
		Actor:     rs.initiator,
		State:     rs.state,
	}); err != nil {
		return err
	}
	a.markStarted(rs.id, true)
	return nil
}

func (a *Agent) StopRemote(ctx context.Context, sessionID string) error {
	rs, err := a.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := a.bridge.Dispatch(ctx, bridge.Command{
		Kind:      bridge.KindStop,
		SessionID: rs.id,
		Actor:     rs.initiator,
		State:     rs.state,
	}); err != nil {
		return err
	}
	a.markStarted(rs.id, false)
	return nil
}

// lookup returns a snapshot of sessionID, or of the active session when
// sessionID is empty.
func (a *Agent) lookup(sessionID string) (remoteSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sessionID == "" {
		sessionID = a.active
	}
	rs, ok := a.sessions[sessionID]
	if sessionID == "" || !ok {
		return remoteSession{}, localapi.ErrNoSession
	}
	return remoteSession{id: rs.id, initiator: rs.initiator, state: rs.state}, nil
}

func (a *Agent) markStarted(id string, started bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rs, ok := a.sessions[id]; ok {
		rs.started = started
	}
}

func (a *Agent) send(msg model.AgentMessage) error {
	a.mu.Lock()
	ch := a.ch
	a.mu.Unlock()
	if ch == nil {
		return errNotConnected
	}
	return ch.send(msg)
}

// closeSessions drops every tracked session. Sessions the executor was told
// to start are stopped there too; the caller's context may already be done.
func (a *Agent) closeSessions() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*remoteSession)
	a.active = ""
	a.mu.Unlock()

	for _, rs := range sessions {
		rs.closePeer()
		if rs.started {
			a.stopExecutor(context.Background(), rs, rs.state)
		}
	}
}
