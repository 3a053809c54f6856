package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// Sensors is the Postgres storage.SensorCatalog.
type Sensors struct {
	db  *sql.DB
	now func() time.Time
}

// NewSensors builds the catalog over the pool.
func NewSensors(db *sql.DB) *Sensors {
	return &Sensors{db: db, now: time.Now}
}

// Get returns the sensor or storage.ErrSensorNotFound.
func (s *Sensors) Get(ctx context.Context, sensorID string) (storage.Sensor, error) {
	const q = `
		SELECT sensor_id, type, location, status, created_at
		FROM sensors
		WHERE sensor_id = $1`
	sensor, err := scanSensor(s.db.QueryRowContext(ctx, q, sensorID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Sensor{}, fault.Validation(storage.ErrSensorNotFound)
	}
	if err != nil {
		return storage.Sensor{}, mapError("get sensor", err)
	}
	return sensor, nil
}

// EnsureActive returns the existing sensor, registering an active one first
// when the ID is unknown. The no-op conflict update makes RETURNING yield
// the stored row, so registration races resolve to it.
func (s *Sensors) EnsureActive(ctx context.Context, sensorID string, typ storage.SensorType) (storage.Sensor, error) {
	const q = `
		INSERT INTO sensors (sensor_id, type, location, status, created_at)
		VALUES ($1, $2, '', $3, $4)
		ON CONFLICT (sensor_id) DO UPDATE SET sensor_id = EXCLUDED.sensor_id
		RETURNING sensor_id, type, location, status, created_at`
	sensor, err := scanSensor(s.db.QueryRowContext(ctx, q,
		sensorID, string(typ), string(storage.SensorActive), s.now().UTC(),
	))
	if err != nil {
		return storage.Sensor{}, mapError("ensure sensor", err)
	}
	return sensor, nil
}

// Seed upserts inventory rows, overwriting location and status for sensors
// that already exist. Seeding runs at boot from the catalog file.
func (s *Sensors) Seed(ctx context.Context, sensors ...storage.Sensor) error {
	const q = `
		INSERT INTO sensors (sensor_id, type, location, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sensor_id) DO UPDATE
		SET type = EXCLUDED.type, location = EXCLUDED.location, status = EXCLUDED.status`
	for _, sensor := range sensors {
		status := sensor.Status
		if status == "" {
			status = storage.SensorActive
		}
		if _, err := s.db.ExecContext(ctx, q,
			sensor.SensorID, string(sensor.Type), sensor.Location, string(status), s.now().UTC(),
		); err != nil {
			return mapError("seed sensor "+sensor.SensorID, err)
		}
	}
	return nil
}

// SetStatus transitions the sensor lifecycle state.
func (s *Sensors) SetStatus(ctx context.Context, sensorID string, status storage.SensorStatus) error {
	const q = `UPDATE sensors SET status = $2 WHERE sensor_id = $1`
	res, err := s.db.ExecContext(ctx, q, sensorID, string(status))
	if err != nil {
		return mapError("set sensor status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set sensor status: %w", err)
	}
	if n == 0 {
		return fault.Validation(storage.ErrSensorNotFound)
	}
	return nil
}

func scanSensor(row *sql.Row) (storage.Sensor, error) {
	var (
		sensor      storage.Sensor
		typ, status string
	)
	if err := row.Scan(&sensor.SensorID, &typ, &sensor.Location, &status, &sensor.CreatedAt); err != nil {
		return storage.Sensor{}, err
	}
	sensor.Type = storage.SensorType(typ)
	sensor.Status = storage.SensorStatus(status)
	sensor.CreatedAt = sensor.CreatedAt.UTC()
	return sensor, nil
}
