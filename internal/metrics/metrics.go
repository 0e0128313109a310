package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the gateway's Prometheus collectors.
type Metrics struct {
	// Session lifecycle
	SessionsCreatedTotal prometheus.Counter
	SessionTransitions   *prometheus.CounterVec // labels: from, to
	SessionsActive       prometheus.Gauge

	// Payment detection
	DetectionsTotal    *prometheus.CounterVec // labels: backend (push|poll)
	DetectionAmount    prometheus.Counter     // total sompi detected (float approximation)
	UnderpaymentsTotal prometheus.Counter

	// Ledger backends
	NodeCallsTotal    *prometheus.CounterVec // labels: method, outcome
	NodeCallDuration  *prometheus.HistogramVec
	NodeReconnects    prometheus.Counter
	IndexerCallsTotal *prometheus.CounterVec // labels: endpoint, outcome

	// Webhook delivery
	WebhooksTotal   *prometheus.CounterVec // labels: event, status (success|retry|failed)
	WebhookDuration *prometheus.HistogramVec
	WebhookAttempts prometheus.Histogram

	// Subscription hub
	HubClientsActive prometheus.Gauge
	HubBroadcasts    *prometheus.CounterVec // labels: type

	// Rate limiting
	RateLimitHitsTotal *prometheus.CounterVec // labels: scope
}

// New constructs and registers the collectors on the given registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasgate_sessions_created_total",
			Help: "Total payment sessions created.",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_session_transitions_total",
			Help: "Session state transitions by edge.",
		}, []string{"from", "to"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kasgate_sessions_active",
			Help: "Sessions currently in a non-terminal status.",
		}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_payment_detections_total",
			Help: "Payments detected, by watching backend.",
		}, []string{"backend"}),
		DetectionAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasgate_payment_detected_sompi_total",
			Help: "Total detected payment volume in sompi.",
		}),
		UnderpaymentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasgate_underpayments_total",
			Help: "Observed totals below the expected amount (no detection fired).",
		}),
		NodeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_node_calls_total",
			Help: "wRPC calls to the kaspad node.",
		}, []string{"method", "outcome"}),
		NodeCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kasgate_node_call_duration_seconds",
			Help:    "Latency of wRPC calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		NodeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasgate_node_reconnects_total",
			Help: "Push-backend reconnect attempts.",
		}),
		IndexerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_indexer_calls_total",
			Help: "REST calls to the public indexer.",
		}, []string{"endpoint", "outcome"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_webhooks_total",
			Help: "Webhook delivery attempts by event and status.",
		}, []string{"event", "status"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kasgate_webhook_duration_seconds",
			Help:    "Webhook POST latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		WebhookAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kasgate_webhook_attempts",
			Help:    "Attempts used per delivered webhook.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		HubClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kasgate_hub_clients_active",
			Help: "Connected websocket subscribers.",
		}),
		HubBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_hub_broadcasts_total",
			Help: "Messages broadcast to subscribers by type.",
		}, []string{"type"}),
		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasgate_rate_limit_hits_total",
			Help: "Requests rejected by rate limiting, by scope.",
		}, []string{"scope"}),
	}

	registry.MustRegister(
		m.SessionsCreatedTotal,
		m.SessionTransitions,
		m.SessionsActive,
		m.DetectionsTotal,
		m.DetectionAmount,
		m.UnderpaymentsTotal,
		m.NodeCallsTotal,
		m.NodeCallDuration,
		m.NodeReconnects,
		m.IndexerCallsTotal,
		m.WebhooksTotal,
		m.WebhookDuration,
		m.WebhookAttempts,
		m.HubClientsActive,
		m.HubBroadcasts,
		m.RateLimitHitsTotal,
	)

	return m
}

// ObserveNodeCall records a wRPC call outcome and latency.
func (m *Metrics) ObserveNodeCall(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.NodeCallsTotal.WithLabelValues(method, outcome).Inc()
	m.NodeCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveIndexerCall records an indexer REST call outcome.
func (m *Metrics) ObserveIndexerCall(endpoint string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.IndexerCallsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveWebhook records a webhook delivery attempt.
func (m *Metrics) ObserveWebhook(event, status string, d time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(event, status).Inc()
	m.WebhookDuration.WithLabelValues(event).Observe(d.Seconds())
	if status == "success" {
		m.WebhookAttempts.Observe(float64(attempts))
	}
}

// ObserveTransition records a session state transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}
