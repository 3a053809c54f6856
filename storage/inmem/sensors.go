package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// SensorStore is an in-memory storage.SensorCatalog.
type SensorStore struct {
	mu      sync.RWMutex
	sensors map[string]storage.Sensor
}

// NewSensorStore builds an empty catalog.
func NewSensorStore() *SensorStore {
	return &SensorStore{sensors: make(map[string]storage.Sensor)}
}

// Seed registers sensors ahead of time, typically from the catalog file.
func (s *SensorStore) Seed(sensors ...storage.Sensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sensor := range sensors {
		if sensor.CreatedAt.IsZero() {
			sensor.CreatedAt = time.Now().UTC()
		}
		if sensor.Status == "" {
			sensor.Status = storage.SensorActive
		}
		s.sensors[sensor.SensorID] = sensor
	}
}

// Get returns the sensor or storage.ErrSensorNotFound.
func (s *SensorStore) Get(_ context.Context, sensorID string) (storage.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sensor, ok := s.sensors[sensorID]
	if !ok {
		return storage.Sensor{}, fault.Validation(storage.ErrSensorNotFound)
	}
	return sensor, nil
}

// EnsureActive returns the existing sensor or registers an active one.
func (s *SensorStore) EnsureActive(_ context.Context, sensorID string, typ storage.SensorType) (storage.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sensor, ok := s.sensors[sensorID]; ok {
		return sensor, nil
	}
	sensor := storage.Sensor{
		SensorID:  sensorID,
		Type:      typ,
		Status:    storage.SensorActive,
		CreatedAt: time.Now().UTC(),
	}
	s.sensors[sensorID] = sensor
	return sensor, nil
}

// SetStatus transitions the sensor lifecycle state.
func (s *SensorStore) SetStatus(_ context.Context, sensorID string, status storage.SensorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[sensorID]
	if !ok {
		return fault.Validation(storage.ErrSensorNotFound)
	}
	sensor.Status = status
	s.sensors[sensorID] = sensor
	return nil
}
