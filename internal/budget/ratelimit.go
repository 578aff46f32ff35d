package budget

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter caps requests per user with one token bucket per key. Buckets
// idle for longer than two windows are dropped by Run.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter allows perWindow requests per window for each key. A
// non-positive perWindow disables limiting.
func NewRateLimiter(perWindow int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		window:  window,
		burst:   perWindow,
		now:     time.Now,
	}
	if perWindow > 0 && window > 0 {
		rl.limit = rate.Limit(float64(perWindow) / window.Seconds())
	} else {
		rl.limit = rate.Inf
	}
	return rl
}

// Allow consumes one request for key or returns ErrRateLimited.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, max(rl.burst, 1))}
		rl.entries[key] = e
	}
	e.lastSeen = now
	if !e.limiter.AllowN(now, 1) {
		return apperrors.Newf(apperrors.ErrRateLimited, http.StatusTooManyRequests,
			"user exceeded %d requests per %s", rl.burst, rl.window)
	}
	return nil
}

// Reset clears the rate-limit state for a specific key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, key)
}

// Run periodically removes stale entries until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.window)
	for key, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}
