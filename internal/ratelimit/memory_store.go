package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a token bucket per user in process memory. Idle buckets
// are dropped by a background sweep; a full bucket carries no state worth
// keeping.
type MemoryStore struct {
	buckets map[int64]*TokenBucket
	mu      sync.RWMutex

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// NewMemoryStore creates an in-memory store sweeping idle buckets every five
// minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSweep(5 * time.Minute)
}

// NewMemoryStoreWithSweep creates an in-memory store with a custom sweep
// interval.
func NewMemoryStoreWithSweep(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:       make(map[int64]*TokenBucket),
		sweepInterval: interval,
		stopSweep:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// AllowUser consumes one request slot for the user.
func (s *MemoryStore) AllowUser(ctx context.Context, userID int64, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.bucket(userID, capacity, refillRate)
	return bucket.Allow(), bucket.Remaining(), nil
}

// ResetUser refills the user's bucket.
func (s *MemoryStore) ResetUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[userID]; ok {
		bucket.Reset()
	}
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	close(s.stopSweep)
	return nil
}

func (s *MemoryStore) bucket(userID int64, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[userID]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[userID]; ok {
		return bucket
	}
	bucket = NewTokenBucket(capacity, refillRate)
	s.buckets[userID] = bucket
	return bucket
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity {
			delete(s.buckets, userID)
		}
	}
}
