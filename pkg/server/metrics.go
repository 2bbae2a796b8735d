package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/registry"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Connection metrics
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	attachments       prometheus.Counter
	detachments       prometheus.Counter

	// Routing metrics
	publishFanout   *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	// Inbound metrics
	messagesReceived *prometheus.CounterVec // by action
	handlerErrors    *prometheus.CounterVec // by action
	rateLimited      prometheus.Counter
}

// NewMetrics registers the server metrics on reg. Connection and identity
// gauges read directly from sessions at scrape time.
func NewMetrics(reg prometheus.Registerer, sessions *registry.Registry) *Metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trackify_connections",
			Help: "Current number of attached connection handles",
		},
		func() float64 { return float64(sessions.ConnectionCount()) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trackify_online_identities",
			Help: "Current number of identities with at least one connection",
		},
		func() float64 { return float64(len(sessions.OnlineIdentities())) },
	)

	return &Metrics{
		connectionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trackify_connections_opened_total",
				Help: "Total number of WebSocket connections accepted",
			},
		),
		connectionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trackify_connections_closed_total",
				Help: "Total number of WebSocket connections closed",
			},
		),
		attachments: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trackify_registry_attach_total",
				Help: "Total number of handles attached to an identity",
			},
		),
		detachments: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trackify_registry_detach_total",
				Help: "Total number of handles detached from an identity",
			},
		),
		publishFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackify_publish_fanout",
				Help:    "Number of connections each published envelope resolved to",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"kind", "mode"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackify_deliveries_total",
				Help: "Total number of per-connection deliveries by result",
			},
			[]string{"kind", "result"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackify_envelopes_dropped_total",
				Help: "Total number of envelopes not delivered to anyone",
			},
			[]string{"kind", "reason"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackify_publish_duration_seconds",
				Help:    "Time taken to fan an envelope out to its connections",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackify_messages_received_total",
				Help: "Total number of inbound frames by action",
			},
			[]string{"action"},
		),
		handlerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackify_handler_errors_total",
				Help: "Total number of inbound frames answered with an error",
			},
			[]string{"action"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trackify_rate_limited_total",
				Help: "Total number of inbound frames rejected by the rate limiter",
			},
		),
	}
}

// RecordPublish implements router.Metrics
func (m *Metrics) RecordPublish(kind protocol.Kind, mode string, delivered, failed int, duration time.Duration) {
	m.publishFanout.WithLabelValues(string(kind), mode).Observe(float64(delivered + failed))
	m.deliveries.WithLabelValues(string(kind), "ok").Add(float64(delivered))
	if failed > 0 {
		m.deliveries.WithLabelValues(string(kind), "failed").Add(float64(failed))
	}
	m.publishDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordDropped implements router.Metrics
func (m *Metrics) RecordDropped(kind protocol.Kind, reason string) {
	m.dropped.WithLabelValues(string(kind), reason).Inc()
}

// Attached implements registry.Observer
func (m *Metrics) Attached(identity, handle string) {
	m.attachments.Inc()
}

// Detached implements registry.Observer
func (m *Metrics) Detached(identity, handle string) {
	m.detachments.Inc()
}

// RecordConnectionOpened counts an accepted WebSocket connection
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsOpened.Inc()
}

// RecordConnectionClosed counts a closed WebSocket connection
func (m *Metrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

// RecordMessageReceived counts an inbound frame
func (m *Metrics) RecordMessageReceived(action string) {
	m.messagesReceived.WithLabelValues(action).Inc()
}

// RecordHandlerError counts an inbound frame answered with ERROR
func (m *Metrics) RecordHandlerError(action string) {
	m.handlerErrors.WithLabelValues(action).Inc()
}

// RecordRateLimited counts a frame rejected by the rate limiter
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}
