package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core controller metrics shared across components.
type Metrics struct {
	// ConnectionStatus is 1 while an identified session is live, 0 otherwise.
	ConnectionStatus prometheus.Gauge

	// Reconnects counts completed reconnect attempts by outcome.
	Reconnects *prometheus.CounterVec

	// RequestsInFlight is the number of requests awaiting a response.
	RequestsInFlight prometheus.Gauge

	// RequestDuration observes request round-trip latency by request type.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts completed requests by type and outcome.
	RequestsTotal *prometheus.CounterVec

	// EventsReceived counts inbound events by event type.
	EventsReceived *prometheus.CounterVec

	// ReplayState is the current replay state machine state, one series per
	// state with exactly one set to 1.
	ReplayState *prometheus.GaugeVec

	// ClipsSaved counts confirmed replay buffer saves.
	ClipsSaved prometheus.Counter

	// ErrorsTotal counts classified errors by component and class.
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the core metrics. Collectors are not registered here;
// NewMetricsRegistry attaches them to its private registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connection_status",
			Help:      "1 while an identified control session is live, 0 otherwise",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome",
		}, []string{"outcome"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "requests_in_flight",
			Help:      "Requests sent and awaiting a response",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Request round-trip latency by request type",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"request_type"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Completed requests by type and outcome",
		}, []string{"request_type", "outcome"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_received_total",
			Help:      "Inbound events by event type",
		}, []string{"event_type"}),
		ReplayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "replay_state",
			Help:      "Current replay state machine state",
		}, []string{"state"}),
		ClipsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "clips_saved_total",
			Help:      "Confirmed replay buffer saves",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Classified errors by component and class",
		}, []string{"component", "class"}),
	}
}
