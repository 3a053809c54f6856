// Package events defines the closed union of domain events that flow over
// the in-process bus, plus the JSON envelope codec used to archive them.
// Every event carries a header with the correlation ID of the originating
// request so consumers rejoin the trace without extra plumbing.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/machinist-ai/machinist/storage"
)

// Type names an event variant on the wire.
type Type string

const (
	TypeSensorReadingIngested  Type = "sensor_reading_ingested"
	TypeDataAcquired           Type = "data_acquired"
	TypeDataValidated          Type = "data_validated"
	TypeValidationFailed       Type = "validation_failed"
	TypeAnomalyDetected        Type = "anomaly_detected"
	TypeNotificationDispatched Type = "notification_dispatched"
	TypeDriftDetected          Type = "drift_detected"
	TypeRetrainScheduled       Type = "retrain_scheduled"
	TypeRetrainSkipped         Type = "retrain_skipped"
	TypeRetrainCompleted       Type = "retrain_completed"
	TypeSystemFeedbackReceived Type = "system_feedback_received"
)

// Event is the interface satisfied by every variant in this package. The
// union is closed: the unexported method keeps foreign types out so bus
// consumers can switch over variants exhaustively.
type Event interface {
	// Type identifies the variant.
	Type() Type
	// EventID is the unique ID assigned at construction.
	EventID() string
	// CorrelationID ties the event to the originating request.
	CorrelationID() string
	// OccurredAt is the construction instant, UTC, microsecond precision.
	OccurredAt() time.Time
	// Attempt is the delivery attempt stamped by the bus, starting at 1.
	// Zero means the event has not been delivered yet.
	Attempt() int
	// Source names the component that published the event.
	Source() string

	withAttempt(n int) Event
}

// header carries the fields common to every event. Variants embed it by
// value; the codec round-trips it through the envelope.
type header struct {
	id            string
	correlationID string
	occurredAt    time.Time
	attempt       int
	source        string
}

func newHeader(correlationID, source string) header {
	return header{
		id:            uuid.NewString(),
		correlationID: correlationID,
		occurredAt:    time.Now().UTC().Truncate(time.Microsecond),
		source:        source,
	}
}

func (h header) EventID() string       { return h.id }
func (h header) CorrelationID() string { return h.correlationID }
func (h header) OccurredAt() time.Time { return h.occurredAt }
func (h header) Attempt() int          { return h.attempt }
func (h header) Source() string        { return h.source }

func (h *header) setHeader(hd header) { *h = hd }

type (
	// SensorReadingIngested announces a reading accepted at the ingestion
	// boundary, after idempotency and persistence but before enrichment.
	SensorReadingIngested struct {
		header

		// Reading is the accepted measurement as stored.
		Reading storage.SensorReading `json:"reading"`
	}

	// DataAcquired announces a reading enriched by the acquisition stage
	// with pipeline provenance metadata.
	DataAcquired struct {
		header

		// Reading is the enriched measurement.
		Reading storage.SensorReading `json:"reading"`
	}

	// DataValidated announces a reading that passed every quality check.
	// The embedded reading reflects any clamping applied during
	// validation.
	DataValidated struct {
		header

		Reading storage.SensorReading `json:"reading"`
	}

	// ValidationFailed announces a reading rejected by quality checks.
	ValidationFailed struct {
		header

		Reading storage.SensorReading `json:"reading"`
		// Reasons lists every failed check, not just the first.
		Reasons []string `json:"reasons"`
	}

	// AnomalyDetected announces a scored reading whose anomaly score
	// crossed the alerting threshold.
	AnomalyDetected struct {
		header

		// SensorID is the sensor the anomaly was observed on.
		SensorID string `json:"sensor_id"`
		// Kind names the anomaly ("spike", "drift", "stuck").
		Kind string `json:"kind"`
		// Severity grades the anomaly from 1 (info) to 5 (critical).
		Severity int `json:"severity"`
		// Confidence is the detector confidence in [0, 1].
		Confidence float64 `json:"confidence"`
		// Description is a human-readable summary.
		Description string `json:"description"`
		// Evidence carries supporting details (score, threshold, model
		// version) as strings.
		Evidence map[string]string `json:"evidence,omitempty"`
		// RecommendedActions lists suggested operator responses.
		RecommendedActions []string `json:"recommended_actions,omitempty"`
		// ModelName and ModelVersion identify the scorer that fired.
		ModelName    string `json:"model_name"`
		ModelVersion int    `json:"model_version"`
		// ObservedAt is the timestamp of the scored reading.
		ObservedAt time.Time `json:"observed_at"`
	}

	// NotificationDispatched announces a delivered alert notification.
	NotificationDispatched struct {
		header

		// AlertID is the persisted alert the notification covered.
		AlertID  string `json:"alert_id"`
		SensorID string `json:"sensor_id"`
		Severity int    `json:"severity"`
		// Channel names the delivery channel ("slack", "log").
		Channel string `json:"channel"`
	}

	// DriftDetected announces a statistically significant distribution
	// shift between a sensor's reference and current windows.
	DriftDetected struct {
		header

		SensorID string `json:"sensor_id"`
		// ModelName is the model serving this sensor, the retraining
		// target.
		ModelName string `json:"model_name"`
		// Statistic is the two-sample Kolmogorov-Smirnov statistic.
		Statistic float64 `json:"statistic"`
		// PValue is the asymptotic significance of the statistic.
		PValue float64 `json:"p_value"`
		// Threshold is the p-value cutoff the detection used.
		Threshold float64 `json:"threshold"`
		// ReferenceSize and CurrentSize count the compared samples.
		ReferenceSize int `json:"reference_size"`
		CurrentSize   int `json:"current_size"`
	}

	// RetrainScheduled announces a retraining attempt admitted past the
	// gate chain and started.
	RetrainScheduled struct {
		header

		ModelName string `json:"model_name"`
		SensorID  string `json:"sensor_id,omitempty"`
		// TriggeredBy is the event ID of the drift detection or
		// feedback signal behind the attempt.
		TriggeredBy string `json:"triggered_by"`
		Reason      string `json:"reason"`
	}

	// RetrainSkipped announces a retraining trigger rejected by a gate.
	RetrainSkipped struct {
		header

		ModelName string `json:"model_name"`
		// Reason names the gate that rejected the trigger ("disabled",
		// "in_progress", "cooldown", "capacity").
		Reason      string `json:"reason"`
		TriggeredBy string `json:"triggered_by"`
		// NextEligibleAt is when the cooldown gate reopens. Only set when
		// Reason is "cooldown".
		NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	}

	// RetrainCompleted announces a finished retraining attempt, whatever
	// the outcome.
	RetrainCompleted struct {
		header

		ModelName string `json:"model_name"`
		// Outcome is the terminal state ("success", "failure",
		// "timeout", "rejected_no_improvement").
		Outcome string `json:"outcome"`
		// NewVersion is the registered model version on success, zero
		// otherwise.
		NewVersion int `json:"new_version,omitempty"`
		// Improvement is the candidate's holdout score minus the
		// incumbent's.
		Improvement float64 `json:"improvement,omitempty"`
		// Duration is the wall-clock training time.
		Duration time.Duration `json:"duration_ns"`
		// Error carries the failure detail as a string so the event
		// survives archival.
		Error string `json:"error,omitempty"`
	}

	// SystemFeedbackReceived announces operator feedback on an alert.
	SystemFeedbackReceived struct {
		header

		AlertID string `json:"alert_id"`
		// Verdict is the operator judgement ("confirmed",
		// "false_positive").
		Verdict    string `json:"verdict"`
		Comment    string `json:"comment,omitempty"`
		ReportedBy string `json:"reported_by,omitempty"`
	}
)

// NewSensorReadingIngested builds a SensorReadingIngested event.
func NewSensorReadingIngested(correlationID, source string, r storage.SensorReading) *SensorReadingIngested {
	return &SensorReadingIngested{header: newHeader(correlationID, source), Reading: r}
}

// NewDataAcquired builds a DataAcquired event.
func NewDataAcquired(correlationID, source string, r storage.SensorReading) *DataAcquired {
	return &DataAcquired{header: newHeader(correlationID, source), Reading: r}
}

// NewDataValidated builds a DataValidated event.
func NewDataValidated(correlationID, source string, r storage.SensorReading) *DataValidated {
	return &DataValidated{header: newHeader(correlationID, source), Reading: r}
}

// NewValidationFailed builds a ValidationFailed event.
func NewValidationFailed(correlationID, source string, r storage.SensorReading, reasons []string) *ValidationFailed {
	return &ValidationFailed{header: newHeader(correlationID, source), Reading: r, Reasons: reasons}
}

// NewAnomalyDetected builds an AnomalyDetected event.
func NewAnomalyDetected(correlationID, source string, a AnomalyDetected) *AnomalyDetected {
	a.header = newHeader(correlationID, source)
	return &a
}

// NewNotificationDispatched builds a NotificationDispatched event.
func NewNotificationDispatched(correlationID, source, alertID, sensorID string, severity int, channel string) *NotificationDispatched {
	return &NotificationDispatched{
		header:   newHeader(correlationID, source),
		AlertID:  alertID,
		SensorID: sensorID,
		Severity: severity,
		Channel:  channel,
	}
}

// NewDriftDetected builds a DriftDetected event.
func NewDriftDetected(correlationID, source string, d DriftDetected) *DriftDetected {
	d.header = newHeader(correlationID, source)
	return &d
}

// NewRetrainScheduled builds a RetrainScheduled event.
func NewRetrainScheduled(correlationID, source, modelName, sensorID, triggeredBy, reason string) *RetrainScheduled {
	return &RetrainScheduled{
		header:      newHeader(correlationID, source),
		ModelName:   modelName,
		SensorID:    sensorID,
		TriggeredBy: triggeredBy,
		Reason:      reason,
	}
}

// NewRetrainSkipped builds a RetrainSkipped event.
func NewRetrainSkipped(correlationID, source, modelName, reason, triggeredBy string) *RetrainSkipped {
	return &RetrainSkipped{
		header:      newHeader(correlationID, source),
		ModelName:   modelName,
		Reason:      reason,
		TriggeredBy: triggeredBy,
	}
}

// NewRetrainCompleted builds a RetrainCompleted event.
func NewRetrainCompleted(correlationID, source string, c RetrainCompleted) *RetrainCompleted {
	c.header = newHeader(correlationID, source)
	return &c
}

// NewSystemFeedbackReceived builds a SystemFeedbackReceived event.
func NewSystemFeedbackReceived(correlationID, source, alertID, verdict, comment, reportedBy string) *SystemFeedbackReceived {
	return &SystemFeedbackReceived{
		header:     newHeader(correlationID, source),
		AlertID:    alertID,
		Verdict:    verdict,
		Comment:    comment,
		ReportedBy: reportedBy,
	}
}

// WithAttempt returns a copy of e stamped with the delivery attempt. The
// bus stamps each delivery separately so subscribers observe their own
// attempt counts; the original event is never mutated.
func WithAttempt(e Event, n int) Event { return e.withAttempt(n) }

// Type implementations for each variant.

func (e *SensorReadingIngested) Type() Type  { return TypeSensorReadingIngested }
func (e *DataAcquired) Type() Type           { return TypeDataAcquired }
func (e *DataValidated) Type() Type          { return TypeDataValidated }
func (e *ValidationFailed) Type() Type       { return TypeValidationFailed }
func (e *AnomalyDetected) Type() Type        { return TypeAnomalyDetected }
func (e *NotificationDispatched) Type() Type { return TypeNotificationDispatched }
func (e *DriftDetected) Type() Type          { return TypeDriftDetected }
func (e *RetrainScheduled) Type() Type       { return TypeRetrainScheduled }
func (e *RetrainSkipped) Type() Type         { return TypeRetrainSkipped }
func (e *RetrainCompleted) Type() Type       { return TypeRetrainCompleted }
func (e *SystemFeedbackReceived) Type() Type { return TypeSystemFeedbackReceived }

// withAttempt returns a copy of the event stamped with the delivery
// attempt. The bus stamps per delivery so each subscriber observes its own
// attempt count.

func (e *SensorReadingIngested) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *DataAcquired) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *DataValidated) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *ValidationFailed) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *AnomalyDetected) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *NotificationDispatched) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *DriftDetected) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *RetrainScheduled) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *RetrainSkipped) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *RetrainCompleted) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}

func (e *SystemFeedbackReceived) withAttempt(n int) Event {
	c := *e
	c.attempt = n
	return &c
}
