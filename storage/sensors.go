package storage

import (
	"context"
	"errors"
	"time"
)

type (
	// SensorStatus is the lifecycle state of a registered sensor.
	SensorStatus string

	// Sensor is a registered measurement source.
	Sensor struct {
		// SensorID is the unique identifier. At most 255 characters.
		SensorID string `json:"sensor_id"`
		// Type is the sensor kind; all readings from the sensor must
		// declare the same type.
		Type SensorType `json:"type"`
		// Location is a free-form placement label ("line-3/pump-A").
		Location string `json:"location,omitempty"`
		// Status is the lifecycle state. Only active sensors accept
		// readings.
		Status SensorStatus `json:"status"`
		// CreatedAt is when the sensor was first registered, UTC.
		CreatedAt time.Time `json:"created_at"`
	}

	// SensorCatalog is the registry of known sensors.
	SensorCatalog interface {
		// Get returns the sensor or ErrSensorNotFound.
		Get(ctx context.Context, sensorID string) (Sensor, error)
		// EnsureActive returns the existing sensor, registering an
		// active one first when the ID is unknown. Registration races
		// resolve to the stored row.
		EnsureActive(ctx context.Context, sensorID string, typ SensorType) (Sensor, error)
		// SetStatus transitions the sensor lifecycle state.
		SetStatus(ctx context.Context, sensorID string, status SensorStatus) error
	}
)

const (
	SensorActive         SensorStatus = "active"
	SensorInactive       SensorStatus = "inactive"
	SensorMaintenance    SensorStatus = "maintenance"
	SensorDecommissioned SensorStatus = "decommissioned"
)

// ErrSensorNotFound reports a lookup for an unregistered sensor ID.
var ErrSensorNotFound = errors.New("sensor not found")
