package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript runs the token bucket refill-check-consume cycle server-side so
// replicas sharing one Redis agree on the same bucket state.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = now - last_refill
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 3600)
return {allowed, tostring(tokens)}
`)

// RedisStore shares per-user buckets across instances through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client; Close does not close it.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func userKey(userID int64) string {
	return fmt.Sprintf("ratelimit:user:%d", userID)
}

// AllowUser consumes one request slot for the user.
func (s *RedisStore) AllowUser(ctx context.Context, userID int64, capacity, refillRate float64) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := allowScript.Run(ctx, s.client, []string{userKey(userID)}, capacity, refillRate, now).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	var remaining float64
	if str, ok := res[1].(string); ok {
		remaining, _ = strconv.ParseFloat(str, 64)
	}
	return allowed == 1, remaining, nil
}

// ResetUser drops the user's bucket; the next request starts it full.
func (s *RedisStore) ResetUser(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, userKey(userID)).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
