package storage

import (
	"context"
	"errors"
	"time"
)

type (
	// AlertStatus is the triage state of an anomaly alert.
	AlertStatus string

	// AnomalyAlert is the persisted record of a detected anomaly. Alerts
	// are written before any notification is dispatched so that delivery
	// failures never lose the detection.
	AnomalyAlert struct {
		// ID is the deterministic alert identifier, derived from the
		// event that produced it so retried deliveries collapse into
		// one row.
		ID string `json:"id"`
		// SensorID is the sensor the anomaly was observed on.
		SensorID string `json:"sensor_id"`
		// Kind names the anomaly ("spike", "drift", ...).
		Kind string `json:"kind"`
		// Severity grades the anomaly from 1 (info) to 5 (critical).
		Severity int `json:"severity"`
		// Confidence is the detector confidence in [0, 1].
		Confidence float64 `json:"confidence"`
		// Description is a human-readable summary.
		Description string `json:"description"`
		// Evidence carries supporting key/value details (score,
		// threshold, model version).
		Evidence map[string]string `json:"evidence,omitempty"`
		// RecommendedActions lists suggested operator responses.
		RecommendedActions []string `json:"recommended_actions,omitempty"`
		// Status is the triage state, open on creation.
		Status AlertStatus `json:"status"`
		// CreatedAt is when the alert row was written, UTC.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt tracks the last status transition, UTC.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// AlertStore persists anomaly alerts.
	AlertStore interface {
		// Insert writes the alert. Inserting an ID that already exists
		// is a no-op so redelivered detections stay single rows.
		Insert(ctx context.Context, a AnomalyAlert) error
		// SetStatus transitions the alert triage state and bumps
		// UpdatedAt. Unknown IDs fail with ErrAlertNotFound.
		SetStatus(ctx context.Context, id string, status AlertStatus) error
		// ListRecent returns alerts for the sensor created at or after
		// since, newest first.
		ListRecent(ctx context.Context, sensorID string, since time.Time) ([]AnomalyAlert, error)
	}
)

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertIgnored      AlertStatus = "ignored"
)

// ErrAlertNotFound reports a status transition on an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")
