// Package ratelimit implements token bucket throttling for outbound source requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/carharvest/internal/metrics"
)

// Limiter hands out request tokens per key (one key per source).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Config expresses the cadence as Requests per Per.
type Config struct {
	Requests int
	Per      time.Duration
}

// New creates a new Limiter. A zero Requests or Per disables throttling.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	burst := 1
	if cfg.Requests > 0 && cfg.Per > 0 {
		limit = rate.Every(cfg.Per / time.Duration(cfg.Requests))
		burst = cfg.Requests
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Throttle wraps fn so every call first waits for a token under key.
func Throttle[T any](l *Limiter, key string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if err := l.Wait(ctx, key); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	}
}
