package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry
// conflicts.
type Metrics struct {
	activeConnections prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	sessionsSwept     prometheus.Counter
	decodeDropped     prometheus.Counter
}

// NewMetrics creates and registers the server metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_connections",
				Help: "Current number of open client connections",
			},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_requests_total",
				Help: "Total requests processed, by action and response status",
			},
			[]string{"action", "status"},
		),
		messagesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_messages_delivered_total",
				Help: "Messages accepted for delivery, by mode (live push or queued)",
			},
			[]string{"mode"},
		),
		sessionsSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_swept_total",
				Help: "Expired sessions collected by the background sweep",
			},
		),
		decodeDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_decode_dropped_total",
				Help: "Reads that produced no decodable record",
			},
		),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) RecordRequest(action, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordDelivery(mode string) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordSweep(count int) {
	if m == nil {
		return
	}
	m.sessionsSwept.Add(float64(count))
}

func (m *Metrics) RecordDecodeDrop() {
	if m == nil {
		return
	}
	m.decodeDropped.Inc()
}
