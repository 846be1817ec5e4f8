package ratelimit

import (
	"context"
)

// Store is the backing state for per-user rate limits. MemoryStore serves a
// single instance; RedisStore shares buckets across replicas that point at
// the same fast store.
type Store interface {
	// AllowUser consumes one request slot for the user, reporting whether
	// the request may proceed and how many slots remain.
	AllowUser(ctx context.Context, userID int64, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// ResetUser refills the user's bucket.
	ResetUser(ctx context.Context, userID int64) error

	Close() error
}

// Limiter applies a uniform per-user request limit through a pluggable store.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// NewLimiter creates a limiter allowing refillRate requests per second
// sustained with bursts up to capacity. A nil store defaults to MemoryStore.
func NewLimiter(store Store, capacity, refillRate float64) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, capacity: capacity, refillRate: refillRate}
}

// Allow reports whether the user's next request may proceed.
func (l *Limiter) Allow(ctx context.Context, userID int64) (bool, float64, error) {
	return l.store.AllowUser(ctx, userID, l.capacity, l.refillRate)
}

// Reset refills the user's bucket.
func (l *Limiter) Reset(ctx context.Context, userID int64) error {
	return l.store.ResetUser(ctx, userID)
}

// Close releases the backing store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
