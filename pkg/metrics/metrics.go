// Package metrics holds the Prometheus collectors of the gateway. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "realtime"

type Metrics struct {
	connections       prometheus.Gauge
	onlineUsers       prometheus.Gauge
	presenceChanges   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	messagesSent      prometheus.Counter
	notifications     *prometheus.CounterVec
	keepalivePruned   prometheus.Counter
	keepaliveDuration prometheus.Histogram
	fanoutEvents      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections registered on this node.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Distinct users with at least one connection on this node.",
		}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Online/offline transitions decided by the registry.",
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames written to (or skipped for) connections.",
		}, []string{"result"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages accepted and persisted.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification records created, by type.",
		}, []string{"type"}),
		keepalivePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_pruned_total",
			Help:      "Connections closed by the keepalive sweep.",
		}),
		keepaliveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_sweep_seconds",
			Help:      "Duration of keepalive sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		fanoutEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_total",
			Help:      "Cross-gateway relay events by direction and result.",
		}, []string{"direction", "result"}),
	}

	reg.MustRegister(
		m.connections,
		m.onlineUsers,
		m.presenceChanges,
		m.deliveries,
		m.messagesSent,
		m.notifications,
		m.keepalivePruned,
		m.keepaliveDuration,
		m.fanoutEvents,
	)
	return m
}

func (m *Metrics) SetConnections(conns, users int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(conns))
	m.onlineUsers.Set(float64(users))
}

func (m *Metrics) PresenceTransition(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.presenceChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues("written").Add(float64(n))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) NotificationCreated(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) KeepaliveSweep(seconds float64, pruned int) {
	if m == nil {
		return
	}
	m.keepaliveDuration.Observe(seconds)
	m.keepalivePruned.Add(float64(pruned))
}

func (m *Metrics) Fanout(direction, result string) {
	if m == nil {
		return
	}
	m.fanoutEvents.WithLabelValues(direction, result).Inc()
}
