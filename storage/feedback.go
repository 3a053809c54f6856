package storage

import (
	"context"
	"time"
)

type (
	// FeedbackRecord is one operator judgement on an alert. Feedback feeds
	// offline analysis and future training-set curation; nothing on the
	// golden path depends on it.
	FeedbackRecord struct {
		// ID uniquely identifies the record; writers derive it from the
		// feedback event so redeliveries collapse into one document.
		ID string `json:"id"`
		// AlertID is the alert the verdict applies to.
		AlertID string `json:"alert_id"`
		// Verdict is the operator judgement ("confirmed",
		// "false_positive").
		Verdict string `json:"verdict"`
		Comment string `json:"comment,omitempty"`
		// ReportedBy names the operator or system that submitted the
		// verdict.
		ReportedBy    string    `json:"reported_by,omitempty"`
		CorrelationID string    `json:"correlation_id,omitempty"`
		ReceivedAt    time.Time `json:"received_at"`
	}

	// FeedbackStore archives operator feedback.
	FeedbackStore interface {
		// Append writes one record. Appending an ID that already exists
		// is a no-op.
		Append(ctx context.Context, rec FeedbackRecord) error
		// ListByAlert returns the feedback for one alert, oldest first.
		ListByAlert(ctx context.Context, alertID string) ([]FeedbackRecord, error)
	}
)

// Feedback verdicts.
const (
	VerdictConfirmed     = "confirmed"
	VerdictFalsePositive = "false_positive"
)
