package actor

import (
	"context"
	"sync"
	"time"
)

// RateLimitParams configures one increment() call, per spec §4.1.5.
type RateLimitParams struct {
	WindowSeconds int
	MaxRequests   int
}

// RateLimitResult is returned by Increment.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a single-writer fixed-window counter actor, keyed by
// bucket name at the shard.Router level and by an arbitrary sub-key (e.g.
// email address, client IP) within one bucket's actor instance.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
}

type window struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter constructs an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window)}
}

// Increment applies the fixed-window algorithm: a new window starts once
// WindowSeconds have elapsed since windowStart; otherwise the counter is
// compared against MaxRequests.
func (r *RateLimiter) Increment(_ context.Context, key string, p RateLimitParams) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w, ok := r.windows[key]
	windowDur := time.Duration(p.WindowSeconds) * time.Second
	if !ok || now.Sub(w.windowStart) >= windowDur {
		w = window{count: 0, windowStart: now}
	}

	w.count++
	r.windows[key] = w

	if w.count > p.MaxRequests {
		retryAfter := windowDur - now.Sub(w.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}
	return RateLimitResult{Allowed: true, Remaining: p.MaxRequests - w.count}
}

// GarbageCollect drops windows whose window has long since closed, bounding
// memory for buckets with high key cardinality (e.g. per-IP limits).
func (r *RateLimiter) GarbageCollect(_ context.Context, now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, w := range r.windows {
		if now.Sub(w.windowStart) > maxAge {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}
