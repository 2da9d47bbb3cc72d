package telemetry

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events as structured log lines
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("telemetry")}
}

func (s *LogSink) Record(_ context.Context, event Event, payload Payload) {
	payload = Scrub(payload)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	fields = append(fields, zap.String("event", string(event)))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, payload[k]))
	}

	level := zapcore.InfoLevel
	switch event {
	case EventAPIError, EventStrengthFail:
		level = zapcore.WarnLevel
	case EventCacheHit, EventCacheMiss, EventVerificationStart:
		level = zapcore.DebugLevel
	}
	if ce := s.logger.Check(level, "pipeline event"); ce != nil {
		ce.Write(fields...)
	}
}
