package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"desklink/internal/bridge"
	"desklink/internal/model"
	"desklink/internal/relay"
	"desklink/internal/session"
)

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"

	dispatchTimeout = 5 * time.Second
)

// remoteSession is the agent's view of one session it is the responder of.
// Fields are guarded by Agent.mu.
type remoteSession struct {
	id        string
	initiator model.Identity
	state     model.SessionState
	started   bool

	pc        *webrtc.PeerConnection
	hasRemote bool
	pending   []webrtc.ICECandidateInit
}

func (rs *remoteSession) closePeer() {
	if rs.pc != nil {
		_ = rs.pc.Close()
	}
}

func (a *Agent) handle(ctx context.Context, msg model.AgentMessage) {
	switch msg.Type {
	case "event":
		a.handleEvent(ctx, msg.Event, msg.Body)
	case "result":
		if msg.Error != "" {
			a.logger.Printf("agent: %s %s failed: %s", msg.Event, msg.SessionID, msg.Error)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, event string, body json.RawMessage) {
	if event == relay.EventSignal {
		var env model.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			a.logger.Printf("agent: malformed signal: %v", err)
			return
		}
		a.handleSignal(env)
		return
	}

	var n model.Notice
	if err := json.Unmarshal(body, &n); err != nil {
		a.logger.Printf("agent: malformed %s: %v", event, err)
		return
	}

	switch event {
	case session.EventRequest:
		a.onRequest(n)
	case session.EventAccepted:
		a.setState(n.SessionID, model.StateAccepted)
	case session.EventActive:
		a.onActive(ctx, n)
	case session.EventCompleted, session.EventExpired, session.EventRejected:
		a.onEnded(ctx, n)
	}
}

// onRequest accepts requests from the device owner and rejects the rest.
func (a *Agent) onRequest(n model.Notice) {
	a.mu.Lock()
	owner := a.owner
	fromOwner := owner != "" && n.Initiator == owner
	if fromOwner {
		a.sessions[n.SessionID] = &remoteSession{id: n.SessionID, initiator: n.Initiator, state: n.State}
	}
	a.mu.Unlock()

	verb := "reject"
	if fromOwner {
		verb = "accept"
	}
	a.logger.Printf("agent: %s session %s from %s", verb, n.SessionID, n.Initiator)
	if err := a.send(model.AgentMessage{Type: verb, SessionID: n.SessionID}); err != nil {
		a.logger.Printf("agent: %s %s: %v", verb, n.SessionID, err)
	}
}

func (a *Agent) setState(id string, state model.SessionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rs, ok := a.sessions[id]; ok {
		rs.state = state
	}
}

func (a *Agent) onActive(ctx context.Context, n model.Notice) {
	a.mu.Lock()
	rs, ok := a.sessions[n.SessionID]
	if ok {
		rs.state = model.StateActive
		a.active = n.SessionID
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if err := a.StartRemote(dctx, n.SessionID); err != nil {
		a.logger.Printf("agent: start %s: %v", n.SessionID, err)
	}
}

func (a *Agent) onEnded(ctx context.Context, n model.Notice) {
	a.mu.Lock()
	rs, ok := a.sessions[n.SessionID]
	if ok {
		rs.state = n.State
		delete(a.sessions, n.SessionID)
		if a.active == n.SessionID {
			a.active = ""
		}
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	rs.closePeer()
	if rs.started {
		a.stopExecutor(ctx, rs, n.State)
	}
}

// stopExecutor tells the executor a started session is over.
func (a *Agent) stopExecutor(ctx context.Context, rs *remoteSession, state model.SessionState) {
	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	err := a.bridge.Dispatch(dctx, bridge.Command{
		Kind:      bridge.KindStop,
		SessionID: rs.id,
		Actor:     rs.initiator,
		State:     state,
	})
	if err != nil {
		a.logger.Printf("agent: stop %s: %v", rs.id, err)
	}
}

func (a *Agent) handleSignal(env model.Envelope) {
	a.mu.Lock()
	rs, ok := a.sessions[env.SessionID]
	known := ok && env.From == rs.initiator
	a.mu.Unlock()
	if !known {
		a.logger.Printf("agent: drop %q for unknown session %s", env.Type, env.SessionID)
		return
	}

	switch env.Type {
	case signalOffer:
		if err := a.answer(env); err != nil {
			a.logger.Printf("agent: answer %s: %v", env.SessionID, err)
			a.signal(env.SessionID, relay.TypeFailure, nil)
		}
	case signalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			a.logger.Printf("agent: malformed candidate for %s: %v", env.SessionID, err)
			return
		}
		a.addCandidate(env.SessionID, c)
	}
}

// answer builds a fresh peer connection for an offer and replies with the
// answer. Local candidates trickle out as they are gathered.
func (a *Agent) answer(env model.Envelope) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		return err
	}
	offer.Type = webrtc.SDPTypeOffer

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: a.ice})
	if err != nil {
		return err
	}
	id := env.SessionID

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		a.signal(id, signalCandidate, raw)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			a.logger.Printf("agent: session %s: peer connection failed", id)
			a.signal(id, relay.TypeIceFailed, nil)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			a.forwardInput(id, m.Data)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(ans); err != nil {
		_ = pc.Close()
		return err
	}

	a.mu.Lock()
	rs, ok := a.sessions[id]
	var old *webrtc.PeerConnection
	var pending []webrtc.ICECandidateInit
	if ok {
		old = rs.pc
		rs.pc = pc
		rs.hasRemote = true
		pending, rs.pending = rs.pending, nil
	}
	a.mu.Unlock()
	if !ok {
		_ = pc.Close()
		return nil
	}
	if old != nil {
		_ = old.Close()
	}
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			a.logger.Printf("agent: session %s: add candidate: %v", id, err)
		}
	}

	raw, err := json.Marshal(ans)
	if err != nil {
		return err
	}
	a.signal(id, signalAnswer, raw)
	return nil
}

// addCandidate applies a remote candidate, holding it until the offer has
// been applied.
func (a *Agent) addCandidate(id string, c webrtc.ICECandidateInit) {
	a.mu.Lock()
	rs, ok := a.sessions[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	if !rs.hasRemote {
		rs.pending = append(rs.pending, c)
		a.mu.Unlock()
		return
	}
	pc := rs.pc
	a.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		a.logger.Printf("agent: session %s: add candidate: %v", id, err)
	}
}

func (a *Agent) forwardInput(id string, data []byte) {
	a.mu.Lock()
	rs, ok := a.sessions[id]
	var cmd bridge.Command
	if ok {
		cmd = bridge.Command{
			Kind:      bridge.KindInput,
			SessionID: id,
			Actor:     rs.initiator,
			State:     rs.state,
			Payload:   append([]byte(nil), data...),
		}
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := a.bridge.Dispatch(ctx, cmd); err != nil {
		a.logger.Printf("agent: input for %s: %v", id, err)
	}
}

func (a *Agent) signal(id, typ string, payload json.RawMessage) {
	env := &model.Envelope{SessionID: id, Type: typ, Payload: payload}
	if err := a.send(model.AgentMessage{Type: "signal", Signal: env}); err != nil {
		a.logger.Printf("agent: signal %s for %s: %v", typ, id, err)
	}
}
