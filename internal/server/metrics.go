package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks session and delivery counters. A nil *Metrics is valid and
// records nothing, so tests can skip registration entirely.
type Metrics struct {
	activeSessions prometheus.Gauge
	eventsRouted   *prometheus.CounterVec
	delivered      prometheus.Counter
	dropped        prometheus.Counter
	decodeErrors   prometheus.Counter
}

// NewMetrics registers the relay metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of live WebSocket sessions.",
		}),
		eventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_routed_total",
			Help: "Inbound events accepted by the router, by event type.",
		}, []string{"event_type"}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-session deliveries accepted onto an outbound queue.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_dropped_total",
			Help: "Per-session deliveries dropped (queue full or session closing).",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Inbound frames discarded as malformed.",
		}),
	}
}

func (m *Metrics) recordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) recordEventRouted(kind string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordDelivery(delivered, dropped int) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}

func (m *Metrics) recordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}
