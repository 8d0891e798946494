// Package ratelimit provides an in-process token bucket limiter keyed by
// model tier. It is advisory: Acquire delays or declines but never fails
// a request, and holds no external state, so restarts begin with full
// buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/diorama-ai/diorama/internal/backend"
)

// TierResolver maps a model ID to its tier. The limiter never parses
// model names itself.
type TierResolver func(model string) backend.ModelTier

// Rate configures one tier's bucket: Capacity tokens, refilled at
// RefillPerSec.
type Rate struct {
	Capacity     float64
	RefillPerSec float64
}

// DefaultRates keeps free-tier traffic well under public caps while
// letting paid and native tiers burst.
func DefaultRates() map[backend.ModelTier]Rate {
	return map[backend.ModelTier]Rate{
		backend.TierFree:   {Capacity: 2, RefillPerSec: 0.25},
		backend.TierPaid:   {Capacity: 8, RefillPerSec: 1},
		backend.TierNative: {Capacity: 16, RefillPerSec: 2},
	}
}

type bucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter holds one bucket per tier, refilled lazily on access under a
// single mutex.
type Limiter struct {
	mu      sync.Mutex
	buckets map[backend.ModelTier]*bucket
	resolve TierResolver

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a limiter. Missing tiers fall back to DefaultRates; a nil
// resolver treats every model as free tier.
func New(resolve TierResolver, rates map[backend.ModelTier]Rate) *Limiter {
	if resolve == nil {
		resolve = func(string) backend.ModelTier { return backend.TierFree }
	}
	defaults := DefaultRates()
	l := &Limiter{
		buckets: make(map[backend.ModelTier]*bucket, len(defaults)),
		resolve: resolve,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	start := l.now()
	for tier, def := range defaults {
		r, ok := rates[tier]
		if !ok {
			r = def
		}
		if r.Capacity < 1 {
			r.Capacity = 1
		}
		if r.RefillPerSec <= 0 {
			r.RefillPerSec = def.RefillPerSec
		}
		l.buckets[tier] = &bucket{
			tokens:       r.Capacity,
			capacity:     r.Capacity,
			refillPerSec: r.RefillPerSec,
			lastRefill:   start,
		}
	}
	return l
}

// Acquire blocks until a token for model's tier is available or timeout
// elapses. It returns false on timeout or context cancellation; whether
// to proceed anyway is the caller's policy.
func (l *Limiter) Acquire(ctx context.Context, model string, timeout time.Duration) bool {
	tier := l.resolve(model)
	if !tier.Valid() {
		tier = backend.TierFree
	}
	deadline := l.now().Add(timeout)
	for {
		l.mu.Lock()
		b := l.buckets[tier]
		b.refill(l.now())
		if b.tokens >= 1 {
			b.tokens--
			l.mu.Unlock()
			return true
		}
		// Seconds until the next whole token appears.
		need := (1 - b.tokens) / b.refillPerSec
		l.mu.Unlock()

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return false
		}
		wait := time.Duration(need * float64(time.Second))
		if wait > remaining {
			wait = remaining
		}
		if err := l.sleep(ctx, wait); err != nil {
			return false
		}
	}
}

// Tokens reports the current token count for a tier after refill. It is
// a diagnostics hook, not part of the acquisition path.
func (l *Limiter) Tokens(tier backend.ModelTier) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tier]
	if !ok {
		return 0
	}
	b.refill(l.now())
	return b.tokens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
