// Package throttle rate-limits ingestion calls per user.
package throttle

import (
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/cache"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 20
	defaultCapacity          = 10000
	defaultIdleTTL           = 30 * time.Minute
)

// Config describes per-key token bucket limits.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Capacity          int
	IdleTTL           time.Duration
	Clock             func() time.Time
}

// Limiter hands out one token bucket per key, kept in a bounded expiring store so idle keys
// are dropped instead of accumulating forever.
type Limiter struct {
	buckets *cache.Memory[*rate.Limiter]
	limit   rate.Limit
	burst   int
	clock   func() time.Time
}

// New constructs a Limiter, filling unset fields with defaults.
func New(cfg Config) (*Limiter, error) {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	buckets, err := cache.NewMemory[*rate.Limiter](cache.MemoryConfig{
		Capacity: capacity,
		TTL:      idleTTL,
		Clock:    clock,
	})
	if err != nil {
		return nil, err
	}
	return &Limiter{
		buckets: buckets,
		limit:   rate.Limit(rps),
		burst:   burst,
		clock:   clock,
	}, nil
}

// Allow reports whether one more call for key fits in its bucket.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	bucket := l.buckets.LoadOrStore(key, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return bucket.AllowN(l.clock(), 1)
}
