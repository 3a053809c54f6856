// Package pulse coordinates retraining across replicas with a Pulse
// replicated map backed by Redis. At most one process trains a given model
// at a time; claims carry an expiry so a crashed holder cannot wedge a
// model forever.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/machinist-ai/machinist/agents"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	// Map is the minimal replicated-map contract required by the lock.
	//
	// Map is satisfied by *rmap.Map from goa.design/pulse/rmap. It is
	// defined here to keep the lock unit-testable without Redis.
	Map interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		TestAndDelete(ctx context.Context, key, test string) (string, error)
	}

	// Options configures the lock.
	Options struct {
		// Map is the joined replicated map, shared by every node.
		Map Map
		// Holder identifies this process in claims. Pass the pod or host
		// name; replicas must use distinct holders.
		Holder string
		// TTL bounds a claim's lifetime. Defaults to DefaultTTL.
		TTL time.Duration
	}

	// Lock is the replicated agents.RetrainLock. Claims are JSON documents
	// naming the holder and an expiry; an expired claim is stolen rather
	// than honored.
	Lock struct {
		m      Map
		holder string
		ttl    time.Duration

		now func() time.Time
	}

	claim struct {
		Holder    string    `json:"holder"`
		ExpiresAt time.Time `json:"expires_at"`
	}
)

// MapName is the replicated map every Machinist node joins.
const MapName = "machinist:retrain-locks"

// DefaultTTL bounds how long a claim can outlive its holder. Training runs
// are already bounded by the retrain timeout, so two hours leaves room for
// the slowest admitted fit.
const DefaultTTL = 2 * time.Hour

// Join connects to the shared lock map. Callers pass the joined map to New
// and close it on shutdown.
func Join(ctx context.Context, rdb *goredis.Client) (*rmap.Map, error) {
	return rmap.Join(ctx, MapName, rdb)
}

// New builds the lock.
func New(opts Options) (*Lock, error) {
	if opts.Map == nil {
		return nil, errors.New("replicated map is required")
	}
	if opts.Holder == "" {
		return nil, errors.New("holder identity is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{m: opts.Map, holder: opts.Holder, ttl: ttl, now: time.Now}, nil
}

// Compile-time check that Lock implements agents.RetrainLock.
var _ agents.RetrainLock = (*Lock)(nil)

// TryAcquire implements agents.RetrainLock.
func (l *Lock) TryAcquire(ctx context.Context, modelName string) (bool, error) {
	if modelName == "" {
		return false, fault.Validation(errors.New("retrain lock: model name is empty"))
	}
	next, err := l.claimValue()
	if err != nil {
		return false, err
	}

	ok, err := l.m.SetIfNotExists(ctx, modelName, next)
	if err != nil {
		return false, fault.Transient(fmt.Errorf("retrain lock: claim %s: %w", modelName, err))
	}
	if ok {
		return true, nil
	}

	// The model is claimed. Honor a live claim; steal an expired or
	// malformed one.
	cur, exists := l.m.Get(modelName)
	if !exists {
		// The claim vanished between the set and the read. The next drift
		// trigger retries; no need to loop here.
		return false, nil
	}
	var c claim
	if err := json.Unmarshal([]byte(cur), &c); err == nil && l.now().Before(c.ExpiresAt) {
		return false, nil
	}
	prev, err := l.m.TestAndSet(ctx, modelName, cur, next)
	if err != nil {
		return false, fault.Transient(fmt.Errorf("retrain lock: steal %s: %w", modelName, err))
	}
	return prev == cur, nil
}

// Release implements agents.RetrainLock. Only this process's own claim is
// removed, so one replica cannot release a model another replica is
// training.
func (l *Lock) Release(ctx context.Context, modelName string) error {
	cur, ok := l.m.Get(modelName)
	if !ok {
		return nil
	}
	var c claim
	if err := json.Unmarshal([]byte(cur), &c); err != nil || c.Holder != l.holder {
		return nil
	}
	if _, err := l.m.TestAndDelete(ctx, modelName, cur); err != nil {
		return fault.Transient(fmt.Errorf("retrain lock: release %s: %w", modelName, err))
	}
	return nil
}

func (l *Lock) claimValue() (string, error) {
	b, err := json.Marshal(claim{Holder: l.holder, ExpiresAt: l.now().Add(l.ttl).UTC()})
	if err != nil {
		return "", fmt.Errorf("retrain lock: encode claim: %w", err)
	}
	return string(b), nil
}
