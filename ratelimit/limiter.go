package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed     bool
	Remaining   int
	RetryAfter  time.Duration
	WindowStart time.Time
}

// CounterStore increments and reads fixed-window counters. Increment must be
// atomic per key: concurrent callers racing on the last slot must produce
// exactly one admission beyond it, never more.
type CounterStore interface {
	// Increment atomically increments the counter for the window key and
	// returns the new count. ttl bounds the counter's lifetime.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Exists reports whether a counter exists for the key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Limiter implements fixed-window rate limiting with a first-window burst
// allowance. In the first window after a reset (no counter existed for the
// immediately preceding window) up to limit+burst requests are admitted;
// every contiguous subsequent window clamps back to limit. Within a window
// the count never decreases.
type Limiter struct {
	store  CounterStore
	logger *zap.Logger
}

// NewLimiter creates a rate limiter over the given counter store
func NewLimiter(store CounterStore, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
	}
}

// Check records one request against the key and reports whether it is
// admitted. The increment happens unconditionally: a denied request still
// occupies its slot, so the window's count never decreases.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration, burst int) (*Result, error) {
	now := time.Now()
	windowStart := now.Truncate(window)

	// Counters live two windows so the previous-window probe below can see
	// them from the following window.
	count, err := l.store.Increment(ctx, windowKey(key, windowStart), 2*window)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	effectiveLimit := limit
	if burst > 0 {
		fresh, err := l.isFirstWindow(ctx, key, windowStart, window)
		if err != nil {
			// Burst is a grace allowance; losing it on a probe error is
			// strictly safer than over-admitting.
			l.logger.Warn("previous-window probe failed, burst disabled for this check",
				zap.String("key", key),
				zap.Error(err))
		} else if fresh {
			effectiveLimit = limit + burst
		}
	}

	remaining := effectiveLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > effectiveLimit {
		return &Result{
			Allowed:     false,
			Remaining:   0,
			RetryAfter:  windowStart.Add(window).Sub(now),
			WindowStart: windowStart,
		}, nil
	}

	return &Result{
		Allowed:     true,
		Remaining:   remaining,
		WindowStart: windowStart,
	}, nil
}

// isFirstWindow reports whether no counter existed for the immediately
// preceding window, which marks the first window after a reset.
func (l *Limiter) isFirstWindow(ctx context.Context, key string, windowStart time.Time, window time.Duration) (bool, error) {
	exists, err := l.store.Exists(ctx, windowKey(key, windowStart.Add(-window)))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func windowKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%d", key, windowStart.Unix())
}
