package inmem

import (
	"context"
	"sync"

	"github.com/machinist-ai/machinist/storage"
)

// RetrainLog is an in-memory storage.RetrainLog.
type RetrainLog struct {
	mu      sync.RWMutex
	records []storage.RetrainRecord
}

// NewRetrainLog builds an empty log.
func NewRetrainLog() *RetrainLog {
	return &RetrainLog{}
}

// Append writes one record.
func (l *RetrainLog) Append(_ context.Context, rec storage.RetrainRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// LastCompleted returns the newest record for the model whose outcome ran
// the trainer, or nil.
func (l *RetrainLog) LastCompleted(_ context.Context, modelName string) (*storage.RetrainRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.ModelName == modelName && rec.Outcome.Completed() {
			return &rec, nil
		}
	}
	return nil, nil
}

// List returns the model's records newest first.
func (l *RetrainLog) List(_ context.Context, modelName string, limit int) ([]storage.RetrainRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []storage.RetrainRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].ModelName != modelName {
			continue
		}
		out = append(out, l.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
