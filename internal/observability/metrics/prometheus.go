// Package metrics provides Prometheus metrics for the verification service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rxverify"

// Metrics holds all application metrics
type Metrics struct {
	VerificationsTotal    *prometheus.CounterVec
	VerificationDuration  prometheus.Histogram
	CacheLookups          *prometheus.CounterVec
	CachePurged           prometheus.Counter
	ReferenceRequests     *prometheus.CounterVec
	ReferenceLatency      *prometheus.HistogramVec
	ReferenceRetries      prometheus.Counter
	TelemetryEvents       *prometheus.CounterVec
	BatchInFlight         prometheus.Gauge
	BatchSize             prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Completed verifications by final status",
		}, []string{"status"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Wall time of a single verification",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Verification cache lookups by result",
		}, []string{"result"}),
		CachePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purged_total",
			Help:      "Expired cache records removed by the janitor",
		}),
		ReferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_requests_total",
			Help:      "Drug reference service calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		ReferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reference_request_duration_seconds",
			Help:      "Drug reference service call duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ReferenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_retries_total",
			Help:      "Retried drug reference service attempts",
		}),
		TelemetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_total",
			Help:      "Pipeline telemetry events by name",
		}, []string{"event"}),
		BatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_verifications_in_flight",
			Help:      "Verifications currently running inside batches",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Medicines per batch request",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.VerificationsTotal,
		m.VerificationDuration,
		m.CacheLookups,
		m.CachePurged,
		m.ReferenceRequests,
		m.ReferenceLatency,
		m.ReferenceRetries,
		m.TelemetryEvents,
		m.BatchInFlight,
		m.BatchSize,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// SetBreakerState records a breaker transition on the state gauge
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
