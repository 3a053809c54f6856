// Package storage defines the persisted records of the runtime and the
// repository interfaces over them. Implementations live in storage/postgres
// (production) and storage/inmem (tests and single-node development).
package storage

import (
	"context"
	"errors"
	"time"
)

type (
	// SensorType enumerates the kinds of sensors the platform ingests.
	SensorType string

	// SensorReading is one immutable measurement. Readings are append-only
	// and never mutated after ingestion; the natural key is
	// (Timestamp, SensorID).
	SensorReading struct {
		// SensorID identifies the emitting sensor. At most 255 characters.
		SensorID string `json:"sensor_id"`
		// SensorType is the declared kind of the measurement.
		SensorType SensorType `json:"sensor_type"`
		// Value is the measured quantity.
		Value float64 `json:"value"`
		// Unit is the optional unit of measure ("°C", "mm/s", ...).
		Unit string `json:"unit,omitempty"`
		// Timestamp is the measurement instant, UTC, microsecond precision.
		Timestamp time.Time `json:"timestamp"`
		// Quality optionally grades the measurement in [0, 1].
		Quality *float64 `json:"quality,omitempty"`
		// Metadata carries free-form key/value pairs supplied at ingestion.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// ReadingRepository is the append and read surface over the time-series
	// store. Range and Recent return readings ordered by timestamp
	// ascending. Recent over windows up to 30 days completes in time
	// proportional to the rows returned, backed by the
	// (sensor_id, timestamp DESC) index.
	ReadingRepository interface {
		// Insert appends one reading. Repeat inserts of the same
		// (Timestamp, SensorID) pair fail with ErrDuplicateKey.
		Insert(ctx context.Context, r SensorReading) error
		// Range returns readings for the sensor with Timestamp in
		// [from, to], at most limit rows (0 means no cap).
		Range(ctx context.Context, sensorID string, from, to time.Time, limit int) ([]SensorReading, error)
		// Recent returns readings from the trailing window ending now.
		Recent(ctx context.Context, sensorID string, window time.Duration) ([]SensorReading, error)
	}
)

const (
	SensorTemperature SensorType = "temperature"
	SensorVibration   SensorType = "vibration"
	SensorPressure    SensorType = "pressure"
	SensorHumidity    SensorType = "humidity"
	SensorVoltage     SensorType = "voltage"
	SensorAudio       SensorType = "audio"
)

// MaxSensorIDLength bounds SensorReading.SensorID and Sensor.SensorID.
const MaxSensorIDLength = 255

// ErrDuplicateKey reports a natural-key collision on insert. Distinct from
// an idempotency duplicate: the caller decides whether to treat it as a
// recognized replay.
var ErrDuplicateKey = errors.New("duplicate key")

// Valid reports whether t is one of the known sensor types.
func (t SensorType) Valid() bool {
	switch t {
	case SensorTemperature, SensorVibration, SensorPressure, SensorHumidity, SensorVoltage, SensorAudio:
		return true
	}
	return false
}

// SensorTypes lists the known sensor types in a stable order.
func SensorTypes() []SensorType {
	return []SensorType{
		SensorTemperature,
		SensorVibration,
		SensorPressure,
		SensorHumidity,
		SensorVoltage,
		SensorAudio,
	}
}
