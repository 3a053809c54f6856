package storage

import (
	"context"
	"time"
)

type (
	// RetrainOutcome is the terminal state of a retraining attempt.
	RetrainOutcome string

	// RetrainRecord is the audit entry for one retraining decision.
	// Every trigger appends exactly one record, including skips.
	RetrainRecord struct {
		// ID uniquely identifies the record.
		ID string `json:"id"`
		// ModelName is the model the trigger targeted.
		ModelName string `json:"model_name"`
		// TriggeredBy is the event ID of the drift detection or
		// feedback signal that requested the retrain.
		TriggeredBy string `json:"triggered_by"`
		// StartedAt is when the attempt (or skip decision) began, UTC.
		StartedAt time.Time `json:"started_at"`
		// EndedAt is when the attempt finished; nil while in progress
		// and for skips recorded at decision time.
		EndedAt *time.Time `json:"ended_at,omitempty"`
		// Outcome is the terminal state.
		Outcome RetrainOutcome `json:"outcome"`
		// NewVersion is the registered model version on success.
		NewVersion *int `json:"new_version,omitempty"`
		// Reason explains skips and rejections.
		Reason string `json:"reason,omitempty"`
	}

	// RetrainLog is the append-only audit trail of retraining attempts.
	RetrainLog interface {
		// Append writes one record.
		Append(ctx context.Context, rec RetrainRecord) error
		// LastCompleted returns the most recent record for the model
		// whose outcome reflects a finished training run (success,
		// failure, timeout or rejection), or nil when none exists.
		// Skips do not count: they never ran the trainer.
		LastCompleted(ctx context.Context, modelName string) (*RetrainRecord, error)
		// List returns records for the model, newest first, at most
		// limit rows (0 means no cap).
		List(ctx context.Context, modelName string, limit int) ([]RetrainRecord, error)
	}
)

const (
	RetrainSuccess       RetrainOutcome = "success"
	RetrainFailure       RetrainOutcome = "failure"
	RetrainTimeout       RetrainOutcome = "timeout"
	RetrainNoImprovement RetrainOutcome = "rejected_no_improvement"
	RetrainSkip          RetrainOutcome = "skipped"
)

// Completed reports whether the outcome reflects a finished training run,
// the kind that starts a new cooldown window.
func (o RetrainOutcome) Completed() bool {
	switch o {
	case RetrainSuccess, RetrainFailure, RetrainTimeout, RetrainNoImprovement:
		return true
	}
	return false
}
