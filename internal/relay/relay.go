// Package relay forwards negotiation envelopes between the two participants
// of a session and delivers lifecycle notifications. Delivery is
// fire-and-forget: nothing here returns an error to the sending transport.
package relay

import (
	"log"

	"desklink/internal/hub"
	"desklink/internal/metrics"
	"desklink/internal/model"
	"desklink/internal/session"
)

// EventSignal carries a forwarded Envelope.
const EventSignal = "signal"

// Negotiation message types with dedicated counters. Every other type counts
// as a relayed negotiation message.
const (
	TypeIceFailed   = "ice-failed"
	TypeFailure     = "failure"
	TypeError       = "error"
	TypeDatachannel = "datachannel"
)

type Relay struct {
	sessions *session.Manager
	hub      *hub.Hub
	metrics  *metrics.Registry
	logger   *log.Logger
}

func New(sessions *session.Manager, h *hub.Hub, m *metrics.Registry, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	r := &Relay{sessions: sessions, hub: h, metrics: m, logger: logger}
	sessions.SetNotifier(r)
	return r
}

// Result describes what Send did; transports ignore it.
type Result struct {
	Delivered int
	Activated bool
	Dropped   bool
}

func (r *Relay) Send(from model.Identity, env model.Envelope) Result {
	rec, err := r.sessions.Get(env.SessionID)
	if err != nil {
		r.logger.Printf("relay: drop %q from %s: unknown session %s", env.Type, from, env.SessionID)
		return Result{Dropped: true}
	}
	if !rec.HasParticipant(from) {
		r.logger.Printf("relay: drop %q from %s: not a participant of %s", env.Type, from, rec.ID)
		return Result{Dropped: true}
	}

	failure := isFailure(env.Type)
	if failure {
		r.metrics.IncIceFailures()
	}

	peer := rec.Peer(from)
	out := model.Envelope{SessionID: rec.ID, Type: env.Type, Payload: env.Payload, From: from}
	n := r.hub.Emit(peer, EventSignal, out)
	if n == 0 {
		r.metrics.IncNegotiationDropped()
		r.logger.Printf("relay: drop %q for session %s: %s has no live binding", env.Type, rec.ID, peer)
		return Result{Dropped: true}
	}

	switch {
	case env.Type == TypeDatachannel:
		r.metrics.IncDatachannelMsgs()
	case !failure:
		r.metrics.IncOffersRelayed()
	}

	res := Result{Delivered: n}
	if rec.State == model.StateAccepted {
		_, res.Activated = r.sessions.Activate(rec.ID)
	} else {
		r.sessions.Touch(rec.ID)
	}
	return res
}

func isFailure(t string) bool {
	switch t {
	case TypeIceFailed, TypeFailure, TypeError:
		return true
	default:
		return false
	}
}

// Notify implements session.Notifier.
func (r *Relay) Notify(to model.Identity, event string, rec model.SessionRecord) {
	r.hub.Emit(to, event, NoticeFor(rec))
}

func NoticeFor(rec model.SessionRecord) model.Notice {
	return model.Notice{
		SessionID: rec.ID,
		State:     rec.State,
		Kind:      rec.Kind,
		Initiator: rec.Initiator,
		Responder: rec.Responder,
		RoomID:    rec.RoomID,
	}
}
