// Package ratelimit admits or rejects calls against per-scope counters.
// Counters live in an injected Store: LocalStore keeps them in process,
// RedisStore shares them between gateway instances.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is when the counter is back to its full allowance.
	Reset time.Time
	// RetryAfter is how long a rejected caller should wait.
	RetryAfter time.Duration
}

// Store holds rate-limit counters. Implementations must admit atomically
// per key so concurrent callers never exceed the allowance.
type Store interface {
	// TokenBucket takes cost tokens from a bucket of capacity tokens that
	// refills at perSecond tokens per second.
	TokenBucket(ctx context.Context, key string, perSecond float64, capacity, cost int64) (Decision, error)
	// SlidingWindow admits cost units if fewer than limit units were
	// admitted during the trailing window.
	SlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (Decision, error)
	// Len reports the number of live counters, or -1 if unknown.
	Len() int
	Close() error
}
