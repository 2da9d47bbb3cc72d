package telemetry

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
)

// Publisher is the asynchronous half of redpanda.Producer
type Publisher interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// BusSink publishes events to the telemetry topic without waiting for acks
type BusSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewBusSink creates a bus sink; an empty topic means redpanda.TopicVerificationTelemetry
func NewBusSink(p Publisher, topic string, logger *zap.Logger) *BusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = redpanda.TopicVerificationTelemetry
	}
	return &BusSink{publisher: p, topic: topic, logger: logger}
}

func (s *BusSink) Record(ctx context.Context, event Event, payload Payload) {
	payload = Scrub(payload)
	id, _ := payload["verificationId"].(string)

	evt, err := medication.NewEvent(id, medication.EventTelemetry, medication.TelemetryData{
		Name:    string(event),
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("encode telemetry event", zap.Error(err))
		return
	}
	value, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("encode telemetry event", zap.Error(err))
		return
	}

	// Detach from request cancellation; delivery continues after Verify returns
	s.publisher.ProduceAsync(context.WithoutCancel(ctx), s.topic, id, value, nil)
}
