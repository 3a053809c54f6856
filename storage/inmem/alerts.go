package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// AlertStore is an in-memory storage.AlertStore.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]storage.AnomalyAlert
}

// NewAlertStore builds an empty store.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]storage.AnomalyAlert)}
}

// Insert writes the alert; an existing ID is left untouched.
func (s *AlertStore) Insert(_ context.Context, a storage.AnomalyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return nil
	}
	s.alerts[a.ID] = a
	return nil
}

// SetStatus transitions the alert triage state.
func (s *AlertStore) SetStatus(_ context.Context, id string, status storage.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fault.Validation(storage.ErrAlertNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.alerts[id] = a
	return nil
}

// ListRecent returns the sensor's alerts created at or after since, newest
// first.
func (s *AlertStore) ListRecent(_ context.Context, sensorID string, since time.Time) ([]storage.AnomalyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.AnomalyAlert
	for _, a := range s.alerts {
		if a.SensorID != sensorID || a.CreatedAt.Before(since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get returns the alert by ID, for tests and triage tooling.
func (s *AlertStore) Get(_ context.Context, id string) (storage.AnomalyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return storage.AnomalyAlert{}, fault.Validation(storage.ErrAlertNotFound)
	}
	return a, nil
}
