package httpapi

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEviction is how long an API key's bucket survives without traffic.
const idleEviction = 10 * time.Minute

type (
	// keyLimiters hands out one token bucket per API key. Buckets idle past
	// the eviction window are dropped so abandoned keys do not accumulate.
	keyLimiters struct {
		mu      sync.Mutex
		rate    rate.Limit
		burst   int
		perMin  int
		buckets map[string]*bucket

		now func() time.Time
	}

	bucket struct {
		lim      *rate.Limiter
		lastSeen time.Time
	}
)

func newKeyLimiters(perMin int) *keyLimiters {
	if perMin <= 0 {
		perMin = defaultDriftPerMin
	}
	return &keyLimiters{
		rate:    rate.Limit(float64(perMin) / 60),
		burst:   perMin,
		perMin:  perMin,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// allow reports whether key may proceed now. Callers without an API key
// share the empty-key bucket.
func (k *keyLimiters) allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	for id, b := range k.buckets {
		if now.Sub(b.lastSeen) > idleEviction {
			delete(k.buckets, id)
		}
	}

	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.rate, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// retryAfter is the whole seconds until one token refills.
func (k *keyLimiters) retryAfter() int {
	return int(math.Ceil(60 / float64(k.perMin)))
}
