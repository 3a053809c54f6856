package agents

import (
	"context"
	"sync"
)

// RetrainLock marks models with a retraining attempt in progress. The
// in-memory implementation covers single-process deployments; replicated
// ones plug in the rmap-backed lease from features/retrainlock.
type RetrainLock interface {
	// TryAcquire marks the model in progress. It returns false without
	// error when another holder already has the model.
	TryAcquire(ctx context.Context, modelName string) (bool, error)
	// Release clears the marker. Releasing an unheld model is a no-op.
	Release(ctx context.Context, modelName string) error
}

// MemoryRetrainLock is the process-local RetrainLock.
type MemoryRetrainLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryRetrainLock builds an empty lock table.
func NewMemoryRetrainLock() *MemoryRetrainLock {
	return &MemoryRetrainLock{held: make(map[string]struct{})}
}

// TryAcquire implements RetrainLock.
func (l *MemoryRetrainLock) TryAcquire(_ context.Context, modelName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[modelName]; ok {
		return false, nil
	}
	l.held[modelName] = struct{}{}
	return true, nil
}

// Release implements RetrainLock.
func (l *MemoryRetrainLock) Release(_ context.Context, modelName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, modelName)
	return nil
}
