// Package ratelimiter enforces per-user request-per-minute limits. The
// limiter is advisory: quotas are the real billing backstop, so state lives
// in process memory by default and may be shared via Redis when several
// control-plane instances run behind one frontend.
package ratelimiter

import (
	"context"
	"math"
	"sync"
	"time"
)

// Result reports one admission decision plus the header material for
// X-RateLimit-Limit / -Remaining / -Reset.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	Reset      time.Time
}

// Limiter is the port used by the admission service and the read endpoints.
// Capacity and refill are supplied per call because they come from the
// caller's plan. Allow consumes a token; Peek only reports bucket state.
type Limiter interface {
	Allow(ctx context.Context, key string, capacity int64, refillPerSec float64) (Result, error)
	Peek(ctx context.Context, key string, capacity int64, refillPerSec float64) (Result, error)
}

// PerMinuteRefill converts a requests-per-minute plan limit into a refill
// rate per second.
func PerMinuteRefill(perMinute int) float64 {
	if perMinute <= 0 {
		return 0
	}
	return float64(perMinute) / 60.0
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryLimiter is a token-bucket limiter with per-key state guarded by a
// single mutex; critical sections are map lookup + arithmetic only.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter constructs the in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow consumes one token from the key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string, capacity int64, refillPerSec float64) (Result, error) {
	if capacity <= 0 || refillPerSec <= 0 {
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, nil
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(capacity), lastRefill: now}
		l.buckets[key] = b
	}
	delta := now.Sub(b.lastRefill).Seconds()
	if delta < 0 {
		delta = 0
	}
	b.tokens = math.Min(float64(capacity), b.tokens+delta*refillPerSec)
	b.lastRefill = now

	res := Result{Limit: capacity}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	} else {
		shortage := 1 - b.tokens
		res.RetryAfter = time.Duration(shortage / refillPerSec * float64(time.Second))
	}
	res.Remaining = int64(b.tokens)
	refillToFull := (float64(capacity) - b.tokens) / refillPerSec
	res.Reset = now.Add(time.Duration(refillToFull * float64(time.Second)))
	l.mu.Unlock()

	return res, nil
}

// Peek reports the key's bucket state without consuming a token. An unseen
// key is a full bucket.
func (l *MemoryLimiter) Peek(_ context.Context, key string, capacity int64, refillPerSec float64) (Result, error) {
	if capacity <= 0 || refillPerSec <= 0 {
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return Result{Allowed: true, Limit: capacity, Remaining: capacity, Reset: now}, nil
	}
	delta := now.Sub(b.lastRefill).Seconds()
	if delta < 0 {
		delta = 0
	}
	tokens := math.Min(float64(capacity), b.tokens+delta*refillPerSec)

	res := Result{Allowed: tokens >= 1, Limit: capacity, Remaining: int64(tokens)}
	refillToFull := (float64(capacity) - tokens) / refillPerSec
	res.Reset = now.Add(time.Duration(refillToFull * float64(time.Second)))
	return res, nil
}

// SetClock overrides the time source; used by tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) { l.now = now }
