// Package worker verifies prescription batches delivered over the message bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

// HandlerName labels inbox entries written by the processor
const HandlerName = "verify-batch"

// ErrInvalidRequest marks messages that can never be processed
var ErrInvalidRequest = errors.New("invalid batch request")

// BatchVerifier verifies all lines of one prescription
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, meds []medication.Medicine, imageBase64 string) []medication.Medicine
}

// Publisher sends one record and waits for the ack. *redpanda.Producer satisfies it.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Inbox deduplicates redelivered requests. *idempotency.Inbox satisfies it.
type Inbox interface {
	Process(ctx context.Context, key, handler string, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// IsPermanent reports errors that retrying the same message cannot fix
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// Config names the topics the processor writes to
type Config struct {
	ResultsTopic    string
	DeadLetterTopic string
	// MaxBatchSize rejects oversized requests instead of verifying them
	MaxBatchSize int
}

// DefaultConfig returns the standard topic layout
func DefaultConfig() Config {
	return Config{
		ResultsTopic:    redpanda.TopicVerificationResults,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		MaxBatchSize:    100,
	}
}

// Processor turns BatchRequested events into BatchVerified events
type Processor struct {
	cfg       Config
	verifier  BatchVerifier
	publisher Publisher
	inbox     Inbox
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor creates a processor; m may be nil
func NewProcessor(cfg Config, v BatchVerifier, p Publisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ResultsTopic == "" {
		cfg.ResultsTopic = def.ResultsTopic
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	return &Processor{
		cfg:       cfg,
		verifier:  v,
		publisher: p,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// WithInbox makes Handle idempotent per request event id
func (p *Processor) WithInbox(in Inbox) *Processor {
	p.inbox = in
	return p
}

// Handle is a redpanda.MessageHandler
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if p.metrics != nil {
		p.metrics.KafkaMessagesConsumed.Inc()
	}

	var in medication.Event
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrInvalidRequest, err)
	}
	if in.EventType != medication.EventBatchRequested {
		return fmt.Errorf("%w: unexpected event type %q", ErrInvalidRequest, in.EventType)
	}

	var req medication.BatchRequestedData
	if err := in.Decode(&req); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidRequest, err)
	}
	if req.PrescriptionID == "" {
		return fmt.Errorf("%w: prescription_id is required", ErrInvalidRequest)
	}
	if len(req.Medicines) == 0 || len(req.Medicines) > p.cfg.MaxBatchSize {
		return fmt.Errorf("%w: %d medicines", ErrInvalidRequest, len(req.Medicines))
	}

	var value json.RawMessage
	if p.inbox == nil {
		v, err := p.verify(ctx, &in, &req)
		if err != nil {
			return err
		}
		value = v
	} else {
		key := in.ID
		if key == "" {
			key = req.PrescriptionID
		}
		res, err := p.inbox.Process(ctx, "batch:"+key, HandlerName, func(ctx context.Context) (json.RawMessage, error) {
			return p.verify(ctx, &in, &req)
		})
		if errors.Is(err, idempotency.ErrInProgress) {
			p.logger.Info("batch already in progress elsewhere", zap.String("event_id", in.ID))
			return nil
		}
		if err != nil {
			return err
		}
		if res.Duplicate {
			p.logger.Info("republishing stored verdicts for redelivered request", zap.String("event_id", in.ID))
		}
		value = res.Result
	}

	if err := p.publisher.ProduceMessage(ctx, p.cfg.ResultsTopic, req.PrescriptionID, value); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	if p.metrics != nil {
		p.metrics.KafkaMessagesProduced.Inc()
	}

	p.logger.Info("batch verified",
		zap.String("event_id", in.ID),
		zap.Int("lines", len(req.Medicines)),
		zap.Int64("offset", msg.Offset))
	return nil
}

// verify runs the batch and encodes the BatchVerified event
func (p *Processor) verify(ctx context.Context, in *medication.Event, req *medication.BatchRequestedData) (json.RawMessage, error) {
	verified := p.verifier.VerifyBatch(ctx, req.Medicines, req.ImageBase64)

	out, err := medication.NewEvent(req.PrescriptionID, medication.EventBatchVerified, medication.BatchVerifiedData{
		PrescriptionID: req.PrescriptionID,
		Medicines:      verified,
		VerifiedAt:     p.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	correlation := in.CorrelationID
	if correlation == "" {
		correlation = in.ID
	}
	out.WithCorrelation(correlation)

	value, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return value, nil
}

// DeadLetter carries a failed message and why it failed
type DeadLetter struct {
	SourceTopic string          `json:"source_topic"`
	Partition   int32           `json:"partition"`
	Offset      int64           `json:"offset"`
	Key         string          `json:"key,omitempty"`
	Error       string          `json:"error"`
	Permanent   bool            `json:"permanent"`
	FailedAt    time.Time       `json:"failed_at"`
	Value       json.RawMessage `json:"value,omitempty"`
	RawValue    []byte          `json:"raw_value,omitempty"`
}

// DeadLetter is a redpanda.DeadLetterFunc
func (p *Processor) DeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	dl := DeadLetter{
		SourceTopic: msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Key:         string(msg.Key),
		Error:       cause.Error(),
		Permanent:   errors.Is(cause, ErrInvalidRequest),
		FailedAt:    p.now().UTC(),
	}
	if json.Valid(msg.Value) {
		dl.Value = msg.Value
	} else {
		dl.RawValue = msg.Value
	}

	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.publisher.ProduceMessage(ctx, p.cfg.DeadLetterTopic, string(msg.Key), value); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if p.metrics != nil {
		p.metrics.KafkaMessagesProduced.Inc()
	}

	p.logger.Warn("message dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Bool("permanent", dl.Permanent),
		zap.Error(cause))
	return nil
}
