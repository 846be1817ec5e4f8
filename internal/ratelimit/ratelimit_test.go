package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	tb := NewTokenBucket(3, 100)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	if tb.Allow() {
		t.Fatalf("request allowed with empty bucket")
	}

	// 100 tokens/sec refills one token well within 50ms.
	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Fatalf("bucket did not refill")
	}
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	tb := NewTokenBucket(2, 1000)
	time.Sleep(20 * time.Millisecond)

	if got := tb.Remaining(); got > 2 {
		t.Fatalf("bucket overfilled: %g", got)
	}
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	if !tb.Allow() {
		t.Fatalf("first request rejected")
	}
	if tb.Allow() {
		t.Fatalf("second request allowed before reset")
	}
	tb.Reset()
	if !tb.Allow() {
		t.Fatalf("request rejected after reset")
	}
}

func TestMemoryStoreIsolatesUsers(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	allowed, _, err := s.AllowUser(ctx, 1, 1, 0.001)
	if err != nil || !allowed {
		t.Fatalf("user 1 first request: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = s.AllowUser(ctx, 1, 1, 0.001)
	if allowed {
		t.Fatalf("user 1 second request allowed")
	}

	// A second user has their own bucket.
	allowed, _, _ = s.AllowUser(ctx, 2, 1, 0.001)
	if !allowed {
		t.Fatalf("user 2 throttled by user 1's bucket")
	}
}

func TestLimiterResetRefillsBucket(t *testing.T) {
	l := NewLimiter(nil, 1, 0.001)
	defer l.Close()
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, 1)
	if err != nil || !allowed {
		t.Fatalf("first request: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = l.Allow(ctx, 1)
	if allowed {
		t.Fatalf("second request allowed")
	}

	if err := l.Reset(ctx, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	allowed, _, _ = l.Allow(ctx, 1)
	if !allowed {
		t.Fatalf("request rejected after reset")
	}
}
