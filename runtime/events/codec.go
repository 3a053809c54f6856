package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// occurredAtLayout fixes archived timestamps to microsecond precision.
const occurredAtLayout = "2006-01-02T15:04:05.000000Z07:00"

// Envelope is the JSON wire form of an event: the header fields flattened
// beside the variant body. Dead-letter archives and debug dumps use it.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    string          `json:"occurred_at"`
	Attempt       int             `json:"attempt"`
	Source        string          `json:"source,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// Encode wraps the event in an envelope. The body is the JSON form of the
// concrete variant; header fields travel beside it.
func Encode(e Event) (*Envelope, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", e.Type(), err)
	}
	return &Envelope{
		EventID:       e.EventID(),
		EventType:     e.Type(),
		CorrelationID: e.CorrelationID(),
		OccurredAt:    e.OccurredAt().UTC().Format(occurredAtLayout),
		Attempt:       e.Attempt(),
		Source:        e.Source(),
		Body:          body,
	}, nil
}

// EncodeJSON is Encode followed by marshaling the envelope itself.
func EncodeJSON(e Event) ([]byte, error) {
	env, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode reconstructs the event from an envelope, restoring the original
// header including the attempt count at archival time.
func Decode(env *Envelope) (Event, error) {
	occurred, err := time.Parse(time.RFC3339Nano, env.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("decode %s occurred_at: %w", env.EventType, err)
	}

	var e Event
	switch env.EventType {
	case TypeSensorReadingIngested:
		e = new(SensorReadingIngested)
	case TypeDataAcquired:
		e = new(DataAcquired)
	case TypeDataValidated:
		e = new(DataValidated)
	case TypeValidationFailed:
		e = new(ValidationFailed)
	case TypeAnomalyDetected:
		e = new(AnomalyDetected)
	case TypeNotificationDispatched:
		e = new(NotificationDispatched)
	case TypeDriftDetected:
		e = new(DriftDetected)
	case TypeRetrainScheduled:
		e = new(RetrainScheduled)
	case TypeRetrainSkipped:
		e = new(RetrainSkipped)
	case TypeRetrainCompleted:
		e = new(RetrainCompleted)
	case TypeSystemFeedbackReceived:
		e = new(SystemFeedbackReceived)
	default:
		return nil, fmt.Errorf("decode: unknown event type %q", env.EventType)
	}

	if err := json.Unmarshal(env.Body, e); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", env.EventType, err)
	}
	e.(interface{ setHeader(header) }).setHeader(header{
		id:            env.EventID,
		correlationID: env.CorrelationID,
		occurredAt:    occurred.UTC(),
		attempt:       env.Attempt,
		source:        env.Source,
	})
	return e, nil
}

// DecodeJSON unmarshals an envelope then decodes it.
func DecodeJSON(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return Decode(&env)
}
