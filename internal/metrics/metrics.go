package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "desklink"

// Registry holds the process-wide relay counters. Writers only touch atomics;
// Prometheus reads them through func collectors at scrape time.
type Registry struct {
	offersRelayed      atomic.Uint64
	iceFailures        atomic.Uint64
	datachannelMsgs    atomic.Uint64
	negotiationDropped atomic.Uint64
	sessionsExpired    atomic.Uint64

	activeSessions func() int

	prom *prometheus.Registry
}

type Snapshot struct {
	ActiveSessions     int
	OffersRelayed      uint64
	IceFailures        uint64
	DatachannelMsgs    uint64
	NegotiationDropped uint64
	SessionsExpired    uint64
}

// New builds a registry whose activeSessions gauge is read from active.
func New(active func() int) *Registry {
	if active == nil {
		active = func() int { return 0 }
	}
	r := &Registry{activeSessions: active, prom: prometheus.NewRegistry()}

	r.prom.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active remote sessions",
		}, func() float64 { return float64(r.activeSessions()) }),
		counterFunc("offers_relayed_total", "Total WebRTC negotiation messages relayed", &r.offersRelayed),
		counterFunc("ice_failures_total", "Total ICE candidate failures", &r.iceFailures),
		counterFunc("datachannel_msgs_total", "Total datachannel messages", &r.datachannelMsgs),
		counterFunc("negotiation_dropped_total", "Negotiation messages dropped because the peer had no live binding", &r.negotiationDropped),
		counterFunc("sessions_expired_total", "Sessions evicted by the idle sweeper", &r.sessionsExpired),
	)
	return r
}

func counterFunc(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

func (r *Registry) IncOffersRelayed() { r.offersRelayed.Add(1) }
func (r *Registry) IncIceFailures() { r.iceFailures.Add(1) }
func (r *Registry) IncDatachannelMsgs() { r.datachannelMsgs.Add(1) }
func (r *Registry) IncNegotiationDropped() { r.negotiationDropped.Add(1) }
func (r *Registry) IncSessionsExpired() { r.sessionsExpired.Add(1) }

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ActiveSessions:     r.activeSessions(),
		OffersRelayed:      r.offersRelayed.Load(),
		IceFailures:        r.iceFailures.Load(),
		DatachannelMsgs:    r.datachannelMsgs.Load(),
		NegotiationDropped: r.negotiationDropped.Load(),
		SessionsExpired:    r.sessionsExpired.Load(),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
