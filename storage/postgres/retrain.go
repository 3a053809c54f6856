package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/machinist-ai/machinist/storage"
)

// RetrainLog is the Postgres storage.RetrainLog.
type RetrainLog struct {
	db *sql.DB
}

// NewRetrainLog builds the audit log over the pool.
func NewRetrainLog(db *sql.DB) *RetrainLog {
	return &RetrainLog{db: db}
}

// Append writes one audit record.
func (l *RetrainLog) Append(ctx context.Context, rec storage.RetrainRecord) error {
	var ended sql.NullTime
	if rec.EndedAt != nil {
		ended = sql.NullTime{Time: rec.EndedAt.UTC(), Valid: true}
	}
	var version sql.NullInt64
	if rec.NewVersion != nil {
		version = sql.NullInt64{Int64: int64(*rec.NewVersion), Valid: true}
	}
	const q = `
		INSERT INTO retrain_records (id, model_name, triggered_by, started_at, ended_at, outcome, new_version, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := l.db.ExecContext(ctx, q,
		rec.ID,
		rec.ModelName,
		rec.TriggeredBy,
		rec.StartedAt.UTC(),
		ended,
		string(rec.Outcome),
		version,
		rec.Reason,
	)
	return mapError("append retrain record", err)
}

// LastCompleted returns the most recent record reflecting a finished
// training run, or nil when none exists. Skips never ran the trainer and do
// not count.
func (l *RetrainLog) LastCompleted(ctx context.Context, modelName string) (*storage.RetrainRecord, error) {
	const q = `
		SELECT id, model_name, triggered_by, started_at, ended_at, outcome, new_version, reason
		FROM retrain_records
		WHERE model_name = $1 AND outcome <> $2
		ORDER BY started_at DESC
		LIMIT 1`
	rec, err := scanRetrainRecord(l.db.QueryRowContext(ctx, q, modelName, string(storage.RetrainSkip)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("last completed retrain", err)
	}
	return &rec, nil
}

// List returns the model's records, newest first, at most limit rows (0
// means no cap).
func (l *RetrainLog) List(ctx context.Context, modelName string, limit int) ([]storage.RetrainRecord, error) {
	q := `
		SELECT id, model_name, triggered_by, started_at, ended_at, outcome, new_version, reason
		FROM retrain_records
		WHERE model_name = $1
		ORDER BY started_at DESC`
	args := []any{modelName}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError("list retrain records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.RetrainRecord
	for rows.Next() {
		rec, err := scanRetrainRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retrain record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list retrain records", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetrainRecord(row rowScanner) (storage.RetrainRecord, error) {
	var (
		rec     storage.RetrainRecord
		outcome string
		ended   sql.NullTime
		version sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.ModelName, &rec.TriggeredBy, &rec.StartedAt, &ended, &outcome, &version, &rec.Reason); err != nil {
		return storage.RetrainRecord{}, err
	}
	rec.Outcome = storage.RetrainOutcome(outcome)
	rec.StartedAt = rec.StartedAt.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		rec.EndedAt = &t
	}
	if version.Valid {
		v := int(version.Int64)
		rec.NewVersion = &v
	}
	return rec, nil
}
