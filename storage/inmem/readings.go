// Package inmem implements the storage interfaces in memory. It backs unit
// and scenario tests and single-node development; production wiring uses
// storage/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

type readingKey struct {
	ts       int64
	sensorID string
}

// ReadingStore is an in-memory storage.ReadingRepository. Readings are held
// per sensor in timestamp order.
type ReadingStore struct {
	mu       sync.RWMutex
	bySensor map[string][]storage.SensorReading
	keys     map[readingKey]struct{}
}

// NewReadingStore builds an empty store.
func NewReadingStore() *ReadingStore {
	return &ReadingStore{
		bySensor: make(map[string][]storage.SensorReading),
		keys:     make(map[readingKey]struct{}),
	}
}

// Insert appends the reading, rejecting natural-key collisions.
func (s *ReadingStore) Insert(_ context.Context, r storage.SensorReading) error {
	key := readingKey{ts: r.Timestamp.UnixMicro(), sensorID: r.SensorID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return fault.Duplicate(storage.ErrDuplicateKey)
	}
	s.keys[key] = struct{}{}

	readings := s.bySensor[r.SensorID]
	i := sort.Search(len(readings), func(i int) bool {
		return readings[i].Timestamp.After(r.Timestamp)
	})
	readings = append(readings, storage.SensorReading{})
	copy(readings[i+1:], readings[i:])
	readings[i] = r
	s.bySensor[r.SensorID] = readings
	return nil
}

// Range returns readings with timestamps in [from, to], ascending.
func (s *ReadingStore) Range(_ context.Context, sensorID string, from, to time.Time, limit int) ([]storage.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.SensorReading
	for _, r := range s.bySensor[sensorID] {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Recent returns readings from the trailing window ending now.
func (s *ReadingStore) Recent(ctx context.Context, sensorID string, window time.Duration) ([]storage.SensorReading, error) {
	now := time.Now().UTC()
	return s.Range(ctx, sensorID, now.Add(-window), now, 0)
}

// Count reports stored readings for the sensor.
func (s *ReadingStore) Count(sensorID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySensor[sensorID])
}
