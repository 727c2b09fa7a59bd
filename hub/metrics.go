package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the hub's prometheus collectors on a private registry so two
// hubs in one process (tests) never collide.
type metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	usersRegistered prometheus.Gauge
	usersOnline     prometheus.Gauge
	callsActive     prometheus.Gauge
	framesIn        *prometheus.CounterVec
	messagesRelayed *prometheus.CounterVec
	authFailures    prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "connections", Help: "Open WebSocket connections.",
		}),
		usersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "users_registered", Help: "Registered users.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "users_online", Help: "Users with an authenticated channel.",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "calls_active", Help: "Calls in initiated or connected state.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "frames_in_total", Help: "Inbound frames by type.",
		}, []string{"type"}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "messages_relayed_total", Help: "Relayed messages by delivery outcome.",
		}, []string{"delivered"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisperlink", Subsystem: "hub",
			Name: "auth_failures_total", Help: "Rejected auth attempts.",
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.usersRegistered,
		m.usersOnline,
		m.callsActive,
		m.framesIn,
		m.messagesRelayed,
		m.authFailures,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
