package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// Alerts is the Postgres storage.AlertStore.
type Alerts struct {
	db  *sql.DB
	now func() time.Time
}

// NewAlerts builds the store over the pool.
func NewAlerts(db *sql.DB) *Alerts {
	return &Alerts{db: db, now: time.Now}
}

// Insert writes the alert. Redelivered detections reuse the deterministic
// alert ID and collapse into the existing row.
func (a *Alerts) Insert(ctx context.Context, alert storage.AnomalyAlert) error {
	evidence, err := marshalMap(alert.Evidence)
	if err != nil {
		return fmt.Errorf("encode alert evidence: %w", err)
	}
	actions, err := marshalStrings(alert.RecommendedActions)
	if err != nil {
		return fmt.Errorf("encode alert actions: %w", err)
	}
	const q = `
		INSERT INTO anomaly_alerts (id, sensor_id, kind, severity, confidence, description,
			evidence, recommended_actions, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	_, err = a.db.ExecContext(ctx, q,
		alert.ID,
		alert.SensorID,
		alert.Kind,
		alert.Severity,
		alert.Confidence,
		alert.Description,
		evidence,
		actions,
		string(alert.Status),
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
	)
	return mapError("insert alert", err)
}

// SetStatus transitions the alert triage state and bumps UpdatedAt.
func (a *Alerts) SetStatus(ctx context.Context, id string, status storage.AlertStatus) error {
	const q = `UPDATE anomaly_alerts SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := a.db.ExecContext(ctx, q, id, string(status), a.now().UTC())
	if err != nil {
		return mapError("set alert status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set alert status: %w", err)
	}
	if n == 0 {
		return fault.Validation(storage.ErrAlertNotFound)
	}
	return nil
}

// ListRecent returns the sensor's alerts created at or after since, newest
// first.
func (a *Alerts) ListRecent(ctx context.Context, sensorID string, since time.Time) ([]storage.AnomalyAlert, error) {
	const q = `
		SELECT id, sensor_id, kind, severity, confidence, description,
			evidence, recommended_actions, status, created_at, updated_at
		FROM anomaly_alerts
		WHERE sensor_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	rows, err := a.db.QueryContext(ctx, q, sensorID, since.UTC())
	if err != nil {
		return nil, mapError("list alerts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.AnomalyAlert
	for rows.Next() {
		var (
			alert             storage.AnomalyAlert
			status            string
			evidence, actions []byte
		)
		if err := rows.Scan(&alert.ID, &alert.SensorID, &alert.Kind, &alert.Severity, &alert.Confidence,
			&alert.Description, &evidence, &actions, &status, &alert.CreatedAt, &alert.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.Status = storage.AlertStatus(status)
		alert.CreatedAt = alert.CreatedAt.UTC()
		alert.UpdatedAt = alert.UpdatedAt.UTC()
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &alert.Evidence); err != nil {
				return nil, fmt.Errorf("decode alert evidence: %w", err)
			}
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &alert.RecommendedActions); err != nil {
				return nil, fmt.Errorf("decode alert actions: %w", err)
			}
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list alerts", err)
	}
	return out, nil
}
