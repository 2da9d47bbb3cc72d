// Package telemetry records pipeline events for observability. Sinks are
// fire-and-forget: they never block the verifier and never panic out of Record.
package telemetry

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Event names a point in the verification pipeline
type Event string

const (
	EventVerificationStart    Event = "verification_start"
	EventVerificationComplete Event = "verification_complete"
	EventCacheHit             Event = "cache_hit"
	EventCacheMiss            Event = "cache_miss"
	EventAPIError             Event = "rxnorm_api_error"
	EventStrengthFail         Event = "strength_validation_fail"
	EventFallbackRetry        Event = "fallback_retry"
	EventReReadTrigger        Event = "re_read_trigger"
)

// Payload holds coarse event attributes such as status, score and latency
type Payload map[string]interface{}

// Sink receives telemetry events
type Sink interface {
	Record(ctx context.Context, event Event, payload Payload)
}

// Nop discards every event
type Nop struct{}

func (Nop) Record(context.Context, Event, Payload) {}

// sensitiveKeys are substrings of payload keys that may carry patient or
// medication identity. Matching is case-insensitive.
var sensitiveKeys = []string{
	"name", "patient", "drug", "medication", "medicine", "dosage", "rxcui",
	"mrn", "dob", "birth", "ssn", "phone", "email", "address",
	"image", "term", "text",
}

// IsSensitiveKey reports whether a payload key must not leave the process
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Scrub returns a copy of p without sensitive keys, descending into nested payloads
func Scrub(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if IsSensitiveKey(k) {
			continue
		}
		switch nested := v.(type) {
		case Payload:
			out[k] = Scrub(nested)
		case map[string]interface{}:
			out[k] = map[string]interface{}(Scrub(Payload(nested)))
		default:
			out[k] = v
		}
	}
	return out
}

// Multi fans an event out to several sinks. A panicking sink is logged and
// skipped; the others still receive the event.
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti creates a fan-out sink
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Record(ctx context.Context, event Event, payload Payload) {
	for _, s := range m.sinks {
		Safe(ctx, m.logger, s, event, payload)
	}
}

// Safe delivers one scrubbed event to s, recovering any panic
func Safe(ctx context.Context, logger *zap.Logger, s Sink, event Event, payload Payload) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("telemetry sink panicked",
				zap.String("event", string(event)),
				zap.Any("panic", r))
		}
	}()
	s.Record(ctx, event, Scrub(payload))
}
