package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/machinist-ai/machinist/storage"
)

// Readings is the Postgres storage.ReadingRepository.
type Readings struct {
	db  *sql.DB
	now func() time.Time
}

// NewReadings builds the repository over the pool.
func NewReadings(db *sql.DB) *Readings {
	return &Readings{db: db, now: time.Now}
}

// Insert appends one reading. A natural-key collision surfaces as
// storage.ErrDuplicateKey classified Duplicate.
func (r *Readings) Insert(ctx context.Context, reading storage.SensorReading) error {
	meta, err := marshalMap(reading.Metadata)
	if err != nil {
		return fmt.Errorf("encode reading metadata: %w", err)
	}
	var quality sql.NullFloat64
	if reading.Quality != nil {
		quality = sql.NullFloat64{Float64: *reading.Quality, Valid: true}
	}
	const q = `
		INSERT INTO sensor_readings (timestamp, sensor_id, sensor_type, value, unit, quality, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.ExecContext(ctx, q,
		reading.Timestamp.UTC(),
		reading.SensorID,
		string(reading.SensorType),
		reading.Value,
		reading.Unit,
		quality,
		meta,
	)
	return mapError("insert reading", err)
}

// Range returns the sensor's readings with timestamp in [from, to], oldest
// first, at most limit rows (0 means no cap).
func (r *Readings) Range(ctx context.Context, sensorID string, from, to time.Time, limit int) ([]storage.SensorReading, error) {
	q := `
		SELECT timestamp, sensor_id, sensor_type, value, unit, quality, metadata
		FROM sensor_readings
		WHERE sensor_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp ASC`
	args := []any{sensorID, from.UTC(), to.UTC()}
	if limit > 0 {
		q += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError("range readings", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.SensorReading
	for rows.Next() {
		var (
			rec     storage.SensorReading
			typ     string
			quality sql.NullFloat64
			meta    []byte
		)
		if err := rows.Scan(&rec.Timestamp, &rec.SensorID, &typ, &rec.Value, &rec.Unit, &quality, &meta); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		rec.SensorType = storage.SensorType(typ)
		rec.Timestamp = rec.Timestamp.UTC()
		if quality.Valid {
			v := quality.Float64
			rec.Quality = &v
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode reading metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("range readings", err)
	}
	return out, nil
}

// Recent returns readings from the trailing window ending now.
func (r *Readings) Recent(ctx context.Context, sensorID string, window time.Duration) ([]storage.SensorReading, error) {
	to := r.now().UTC()
	return r.Range(ctx, sensorID, to.Add(-window), to, 0)
}

// marshalMap encodes a key/value map for a JSONB column; empty maps stay
// NULL.
func marshalMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// marshalStrings encodes a string list for a JSONB column; empty lists stay
// NULL.
func marshalStrings(s []string) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}
