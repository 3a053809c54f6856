package bus

import (
	"context"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/events"
)

type (
	// Entry is one dead-lettered event: the event itself plus the
	// delivery context a triage run needs.
	Entry struct {
		// Subscriber is the subscription that exhausted its attempts.
		Subscriber string
		// Event is the undelivered event.
		Event events.Event
		// Error is the final handler error, as text.
		Error string
		// Attempts is the number of deliveries tried.
		Attempts int
		// CorrelationID ties the entry back to the originating request.
		CorrelationID string
		// FailedAt is when the final attempt failed, UTC.
		FailedAt time.Time
	}

	// DLQ stores dead-lettered events. The in-memory ring below is the
	// default; features/dlq/mongo persists entries across restarts.
	DLQ interface {
		// Add appends one entry.
		Add(ctx context.Context, e Entry) error
		// List returns entries newest first, filtered by subscriber
		// when non-empty, at most limit entries (0 means no cap).
		List(ctx context.Context, subscriber string, limit int) ([]Entry, error)
	}
)

const defaultDLQCapacity = 1024

// MemoryDLQ is a bounded in-memory dead-letter store. When full it drops
// the oldest entries.
type MemoryDLQ struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
}

// NewMemoryDLQ builds a ring of the given capacity. Values below 1 use the
// default of 1024.
func NewMemoryDLQ(capacity int) *MemoryDLQ {
	if capacity < 1 {
		capacity = defaultDLQCapacity
	}
	return &MemoryDLQ{cap: capacity}
}

// Add appends the entry, evicting the oldest when at capacity.
func (q *MemoryDLQ) Add(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	if len(q.entries) > q.cap {
		q.entries = append(q.entries[:0], q.entries[len(q.entries)-q.cap:]...)
	}
	return nil
}

// List returns entries newest first.
func (q *MemoryDLQ) List(_ context.Context, subscriber string, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for i := len(q.entries) - 1; i >= 0; i-- {
		if subscriber != "" && q.entries[i].Subscriber != subscriber {
			continue
		}
		out = append(out, q.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
