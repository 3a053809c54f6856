// Package redis implements the ingestion idempotency store over Redis so
// replays are recognized across process restarts and replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the shared Redis client.
		Client *goredis.Client
		// Prefix namespaces reservation keys. Defaults to "machinist:idem".
		Prefix string
		// Timeout bounds each Redis round trip. Defaults to 2s.
		Timeout time.Duration
	}

	// Store is the Redis-backed ingest.Store.
	Store struct {
		rdb     *goredis.Client
		prefix  string
		timeout time.Duration
	}
)

const (
	defaultPrefix  = "machinist:idem"
	defaultTimeout = 2 * time.Second
	storeName      = "idempotency-redis"
)

// New builds the store over the provided client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{rdb: opts.Client, prefix: prefix, timeout: timeout}, nil
}

// Name identifies the dependency in readiness reports.
func (s *Store) Name() string { return storeName }

// Ping verifies the backend answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Reserve claims the key for eventID with SET NX PX. On a lost race the
// original event ID is read back; a key that expires between the two calls
// is claimed again, so the caller never sees a duplicate without its
// original ID. Backend outages surface as ingest.ErrStoreUnavailable, never
// as "not a duplicate".
func (s *Store) Reserve(ctx context.Context, key, eventID string, ttl time.Duration) (ingest.Reservation, error) {
	if key == "" {
		return ingest.Reservation{}, fault.Validation(errors.New("ingest: empty idempotency key"))
	}
	if ttl <= 0 {
		ttl = ingest.DefaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rkey := s.key(key)
	for {
		claimed, err := s.rdb.SetNX(ctx, rkey, eventID, ttl).Result()
		if err != nil {
			return ingest.Reservation{}, unavailable("reserve", err)
		}
		if claimed {
			return ingest.Reservation{FirstTime: true, EventID: eventID}, nil
		}
		original, err := s.rdb.Get(ctx, rkey).Result()
		if errors.Is(err, goredis.Nil) {
			// The holder expired between SETNX and GET.
			continue
		}
		if err != nil {
			return ingest.Reservation{}, unavailable("read original", err)
		}
		return ingest.Reservation{FirstTime: false, EventID: original}, nil
	}
}

func (s *Store) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("idempotency redis: %s: %w: %w", op, ingest.ErrStoreUnavailable, err)
}
