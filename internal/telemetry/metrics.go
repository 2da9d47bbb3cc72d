package telemetry

import (
	"context"
	"time"

	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

// MetricsSink turns events into Prometheus counters and latency histograms
type MetricsSink struct {
	m *metrics.Metrics
}

// NewMetricsSink creates a metrics sink
func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Record(_ context.Context, event Event, payload Payload) {
	s.m.TelemetryEvents.WithLabelValues(string(event)).Inc()

	switch event {
	case EventCacheHit:
		s.m.CacheLookups.WithLabelValues("hit").Inc()
	case EventCacheMiss:
		s.m.CacheLookups.WithLabelValues("miss").Inc()
	case EventVerificationComplete:
		if status, ok := payload["status"].(string); ok {
			s.m.VerificationsTotal.WithLabelValues(status).Inc()
		}
		if d, ok := latency(payload["latencyMs"]); ok {
			s.m.VerificationDuration.Observe(d.Seconds())
		}
	}
}

func latency(v interface{}) (time.Duration, bool) {
	switch ms := v.(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond, true
	case int:
		return time.Duration(ms) * time.Millisecond, true
	case float64:
		return time.Duration(ms * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}
