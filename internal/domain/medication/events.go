package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventBatchRequested EventType = "VerificationBatchRequested"
	EventBatchVerified  EventType = "VerificationBatchVerified"
	EventTelemetry      EventType = "VerificationTelemetry"
)

// Event is the envelope published to the message bus
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "MedicationVerification",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// BatchRequestedData asks for verification of every line of one prescription.
type BatchRequestedData struct {
	PrescriptionID string     `json:"prescription_id"`
	Medicines      []Medicine `json:"medicines"`
	ImageBase64    string     `json:"image,omitempty"`
}

// BatchVerifiedData carries the verified lines of one prescription.
type BatchVerifiedData struct {
	PrescriptionID string     `json:"prescription_id"`
	Medicines      []Medicine `json:"medicines"`
	VerifiedAt     time.Time  `json:"verified_at"`
}

// TelemetryData carries one scrubbed telemetry record.
type TelemetryData struct {
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}
