// Package ratelimit implements the token-bucket RateLimiter named in the
// external-interfaces table: per-identifier buckets with an overridable
// refill rate and burst, reporting a retry_after on rejection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is the default bucket shape, overridable per identifier.
type Config struct {
	RefillPerSecond float64
	Burst           int
}

// Override narrows or widens a specific identifier's bucket, e.g. a
// trusted internal caller given a higher burst than the default tenant.
type Override struct {
	ID              string
	RefillPerSecond float64
	Burst           int
}

// Limiter holds one rate.Limiter per identifier, created lazily on first
// use and retained for the process lifetime (bounded in practice by the
// number of distinct user/node ids, which is small relative to request
// volume).
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	overrides map[string]Config
	def       Config
}

func New(def Config, overrides ...Override) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		overrides: make(map[string]Config),
		def:       def,
	}
	for _, o := range overrides {
		l.overrides[o.ID] = Config{RefillPerSecond: o.RefillPerSecond, Burst: o.Burst}
	}
	return l
}

// Check consumes `cost` tokens from id's bucket. ok is false when the
// bucket doesn't have enough tokens right now; retryAfter is how long the
// caller should wait before the bucket will.
func (l *Limiter) Check(id string, cost int) (ok bool, retryAfter time.Duration) {
	b := l.bucketFor(id)
	res := b.ReserveN(time.Now(), cost)
	if !res.OK() {
		return false, 0
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucketFor(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[id]; ok {
		return b
	}
	cfg := l.def
	if o, ok := l.overrides[id]; ok {
		cfg = o
	}
	b := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Burst)
	l.buckets[id] = b
	return b
}
