package inmem

import (
	"context"
	"sync"

	"github.com/machinist-ai/machinist/storage"
)

// FeedbackStore is an in-memory storage.FeedbackStore.
type FeedbackStore struct {
	mu      sync.RWMutex
	byID    map[string]struct{}
	records []storage.FeedbackRecord
}

// NewFeedbackStore builds an empty store.
func NewFeedbackStore() *FeedbackStore {
	return &FeedbackStore{byID: make(map[string]struct{})}
}

// Append writes one record; a known ID is a no-op.
func (s *FeedbackStore) Append(_ context.Context, rec storage.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return nil
	}
	s.byID[rec.ID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

// ListByAlert returns the alert's feedback oldest first.
func (s *FeedbackStore) ListByAlert(_ context.Context, alertID string) ([]storage.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.FeedbackRecord
	for _, rec := range s.records {
		if rec.AlertID == alertID {
			out = append(out, rec)
		}
	}
	return out, nil
}
