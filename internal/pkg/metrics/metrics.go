/*
Package metrics defines the Prometheus collectors exported by the chat relay.
*/
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "spachat"

// Claim results.
const (
	ClaimCreated  = "created"
	ClaimAdopted  = "adopted"
	ClaimRejected = "rejected"
	ClaimFailed   = "failed"
)

// Routing outcomes.
const (
	RouteDelivered = "delivered"
	RouteOffline   = "offline"
)

// Relay groups the relay collectors. A nil *Relay is valid and records nothing.
type Relay struct {
	Connections      prometheus.Gauge
	OnlineUsers      prometheus.Gauge
	Claims           *prometheus.CounterVec
	MessagesRouted   *prometheus.CounterVec
	RosterBroadcasts prometheus.Counter
}

// NewRelay creates the relay collectors and registers them on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Identities currently held in the presence registry.",
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Identity claims by result.",
		}, []string{"result"}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Direct messages by routing outcome.",
		}, []string{"outcome"}),
		RosterBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_broadcasts_total",
			Help:      "Roster snapshots broadcast to all connections.",
		}),
	}

	reg.MustRegister(m.Connections, m.OnlineUsers, m.Claims, m.MessagesRouted, m.RosterBroadcasts)

	return m
}

func (m *Relay) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Relay) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Relay) Claim(result string) {
	if m != nil {
		m.Claims.WithLabelValues(result).Inc()
	}
}

func (m *Relay) Routed(outcome string) {
	if m != nil {
		m.MessagesRouted.WithLabelValues(outcome).Inc()
	}
}

func (m *Relay) RosterBroadcast() {
	if m != nil {
		m.RosterBroadcasts.Inc()
	}
}
