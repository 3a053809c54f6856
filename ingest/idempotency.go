// Package ingest owns the write path for sensor readings: the idempotency
// store that recognizes replays and the orchestrator that takes a validated
// reading from request to persisted row and published event. The package is
// transport-free; httpapi adapts it to HTTP.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
)

// DefaultTTL is how long a reservation shields its key from replays.
const DefaultTTL = 600 * time.Second

// ErrStoreUnavailable reports an idempotency backend outage. Callers must
// fail the request rather than guess: an unreachable store never means
// "not a duplicate".
var ErrStoreUnavailable = fault.Transient(errors.New("ingest: idempotency store unavailable"))

type (
	// Reservation is the outcome of one Reserve call.
	Reservation struct {
		// FirstTime reports whether the key was unseen within its TTL.
		FirstTime bool
		// EventID is the caller's candidate ID when FirstTime, the
		// original reading's event ID otherwise.
		EventID string
	}

	// Store maps idempotency keys to the event ID of the reading that
	// claimed them. Reservations are atomic: N concurrent Reserve calls
	// for one key yield exactly one first-time result.
	Store interface {
		Reserve(ctx context.Context, key, eventID string, ttl time.Duration) (Reservation, error)
	}
)

const shardCount = 16

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	eventID   string
	expiresAt time.Time
}

// MemoryStore is the single-process Store: a mutex-striped map with lazy
// expiry. Expired keys behave as absent whether or not the sweeper has run;
// the sweeper only reclaims memory.
type MemoryStore struct {
	shards [shardCount]*memoryShard
	stop   chan struct{}
	once   sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	sweepInterval time.Duration
}

// WithSweepInterval starts a background sweeper that drops expired entries.
// Zero leaves sweeping off.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.sweepInterval = d }
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	var cfg memoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &MemoryStore{stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	if cfg.sweepInterval > 0 {
		go s.sweep(cfg.sweepInterval)
	}
	return s
}

// Reserve claims the key for eventID. A live entry wins; an expired entry
// is replaced as if absent.
func (s *MemoryStore) Reserve(_ context.Context, key, eventID string, ttl time.Duration) (Reservation, error) {
	if key == "" {
		return Reservation{}, fault.Validation(errors.New("ingest: empty idempotency key"))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	if e, ok := sh.entries[key]; ok && now.Before(e.expiresAt) {
		return Reservation{FirstTime: false, EventID: e.eventID}, nil
	}
	sh.entries[key] = memoryEntry{eventID: eventID, expiresAt: now.Add(ttl)}
	return Reservation{FirstTime: true, EventID: eventID}, nil
}

// Len counts live entries. Swept and expired-but-unswept entries may both
// still be counted; Len is a debugging aid, not a contract.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the sweeper, if any.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, e := range sh.entries {
					if !now.Before(e.expiresAt) {
						delete(sh.entries, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
