package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/datapool/datapool-gateway/internal/faststore"
)

// Key layout. Balances are plain string integers, pools and sold-sets are
// Redis sets. poolIndex (item -> holding type) and soldIndex (item -> owning
// user) are hashes used for global dedup across every type and user.
const (
	creditPrefix      = "credit:user:"
	poolPrefix        = "data:pool:"
	poolIndexKey      = "data:poolindex"
	soldPrefix        = "data:sold:"
	soldIndexKey      = "data:soldindex"
	tokenUserPrefix   = "token:user:"
	tokenLookupPrefix = "token:lookup:"
)

// purchaseScript runs the whole check-pop-deduct protocol server side, so no
// interleaving with other clients is possible. SPOP of fewer items than
// requested is a success; the charge is recomputed from what was removed.
var purchaseScript = redis.NewScript(`
local user_key = KEYS[1]
local pool_key = KEYS[2]
local sold_key = KEYS[3]
local sold_index_key = KEYS[4]
local pool_index_key = KEYS[5]

local amount = tonumber(ARGV[1])
local unit_price = tonumber(ARGV[2])
local user_id = ARGV[3]

local balance = tonumber(redis.call('GET', user_key) or '0')
local requested_cost = amount * unit_price
if balance < requested_cost then
    return {'insufficient', balance}
end

local items = redis.call('SPOP', pool_key, amount)
if #items == 0 then
    return {'exhausted', balance}
end

local actual_cost = #items * unit_price
local remaining = redis.call('DECRBY', user_key, actual_cost)
for _, item in ipairs(items) do
    redis.call('SADD', sold_key, item)
    redis.call('HSET', sold_index_key, item, user_id)
    redis.call('HDEL', pool_index_key, item)
end
return {'ok', remaining, actual_cost, items}
`)

// setTokenScript retires the user's previous token and installs the new one in
// one atomic step, so the old token never resolves after the call returns.
var setTokenScript = redis.NewScript(`
local user_key = KEYS[1]
local new_lookup_key = KEYS[2]
local lookup_prefix = ARGV[1]
local token = ARGV[2]
local user_id = ARGV[3]

local old = redis.call('GET', user_key)
if old and old ~= token then
    redis.call('DEL', lookup_prefix .. old)
end
redis.call('SET', user_key, token)
redis.call('SET', new_lookup_key, user_id)
return 1
`)

// addItemsScript inserts items unless already pooled under any type or
// already sold to any user.
var addItemsScript = redis.NewScript(`
local pool_key = KEYS[1]
local sold_index_key = KEYS[2]
local pool_index_key = KEYS[3]

local typ = ARGV[1]
local added = 0
local rejected = {}
for i = 2, #ARGV do
    local item = ARGV[i]
    if redis.call('HEXISTS', pool_index_key, item) == 1 or redis.call('HEXISTS', sold_index_key, item) == 1 then
        rejected[#rejected + 1] = item
    else
        redis.call('SADD', pool_key, item)
        redis.call('HSET', pool_index_key, item, typ)
        added = added + 1
    end
end
return {added, rejected}
`)

// Store implements faststore.Store against a Redis server. Atomic multi-step
// operations run as server-side Lua scripts.
type Store struct {
	client *redis.Client
}

// New connects to the Redis instance identified by url (redis://host:port/db).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func creditKey(userID int64) string { return creditPrefix + strconv.FormatInt(userID, 10) }
func poolKey(typ string) string     { return poolPrefix + typ }
func soldKey(userID int64) string   { return soldPrefix + strconv.FormatInt(userID, 10) }
func tokenKey(userID int64) string  { return tokenUserPrefix + strconv.FormatInt(userID, 10) }
func lookupKey(token string) string { return tokenLookupPrefix + token }

// GetBalance returns the live balance, zero for unknown users.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	val, err := s.client.Get(ctx, creditKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// SetBalance overwrites the balance. Cold start only.
func (s *Store) SetBalance(ctx context.Context, userID int64, amount int64) error {
	return s.client.Set(ctx, creditKey(userID), amount, 0).Err()
}

// IncrBalance atomically adds delta and returns the new balance.
func (s *Store) IncrBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, creditKey(userID), delta).Result()
}

// AllBalances scans every credit key into a snapshot map.
func (s *Store) AllBalances(ctx context.Context) (map[int64]int64, error) {
	out := make(map[int64]int64)
	iter := s.client.Scan(ctx, 0, creditPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, err := strconv.ParseInt(strings.TrimPrefix(key, creditPrefix), 10, 64)
		if err != nil {
			continue
		}
		val, err := s.client.Get(ctx, key).Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[userID] = val
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AddPoolItems inserts items for typ, rejecting duplicates server side.
func (s *Store) AddPoolItems(ctx context.Context, typ string, items []string) (int, []string, error) {
	if len(items) == 0 {
		return 0, nil, nil
	}
	args := make([]interface{}, 0, len(items)+1)
	args = append(args, typ)
	for _, item := range items {
		args = append(args, item)
	}
	res, err := addItemsScript.Run(ctx, s.client, []string{poolKey(typ), soldIndexKey, poolIndexKey}, args...).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("add pool items: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 1 {
		return 0, nil, fmt.Errorf("unexpected add items reply %T", res)
	}
	added := int(reply[0].(int64))
	var rejected []string
	if len(reply) > 1 {
		if raw, ok := reply[1].([]interface{}); ok {
			for _, r := range raw {
				if str, ok := r.(string); ok {
					rejected = append(rejected, str)
				}
			}
		}
	}
	return added, rejected, nil
}

// PoolSize returns the unsold count for typ.
func (s *Store) PoolSize(ctx context.Context, typ string) (int, error) {
	n, err := s.client.SCard(ctx, poolKey(typ)).Result()
	return int(n), err
}

// PoolSizes returns unsold counts for every type with a pool key.
func (s *Store) PoolSizes(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	iter := s.client.Scan(ctx, 0, poolPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := s.client.SCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, poolPrefix)] = int(n)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AtomicPurchase executes the purchase script and decodes its reply.
func (s *Store) AtomicPurchase(ctx context.Context, userID int64, typ string, amount int, unitPrice int64) (faststore.PurchaseResult, error) {
	keys := []string{creditKey(userID), poolKey(typ), soldKey(userID), soldIndexKey, poolIndexKey}
	res, err := purchaseScript.Run(ctx, s.client, keys, amount, unitPrice, strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return faststore.PurchaseResult{}, fmt.Errorf("purchase script: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return faststore.PurchaseResult{}, fmt.Errorf("unexpected purchase reply %T", res)
	}
	status, _ := reply[0].(string)
	balance, _ := reply[1].(int64)
	switch status {
	case "insufficient":
		return faststore.PurchaseResult{RemainingBalance: balance}, faststore.ErrInsufficientFunds
	case "exhausted":
		return faststore.PurchaseResult{RemainingBalance: balance}, faststore.ErrPoolExhausted
	case "ok":
		if len(reply) < 4 {
			return faststore.PurchaseResult{}, fmt.Errorf("short purchase reply")
		}
		cost, _ := reply[2].(int64)
		var items []string
		if raw, ok := reply[3].([]interface{}); ok {
			for _, r := range raw {
				if str, ok := r.(string); ok {
					items = append(items, str)
				}
			}
		}
		return faststore.PurchaseResult{
			Items:            items,
			ActualCost:       cost,
			RemainingBalance: balance,
			Type:             typ,
		}, nil
	default:
		return faststore.PurchaseResult{}, fmt.Errorf("unknown purchase status %q", status)
	}
}

// SoldItems lists the user's purchased items.
func (s *Store) SoldItems(ctx context.Context, userID int64) ([]string, error) {
	return s.client.SMembers(ctx, soldKey(userID)).Result()
}

// ResolveToken maps a token to a user via the lookup key.
func (s *Store) ResolveToken(ctx context.Context, token string) (int64, error) {
	val, err := s.client.Get(ctx, lookupKey(token)).Int64()
	if err == redis.Nil {
		return 0, faststore.ErrTokenNotFound
	}
	return val, err
}

// SetToken installs the token via the rotation script.
func (s *Store) SetToken(ctx context.Context, userID int64, token string) error {
	keys := []string{tokenKey(userID), lookupKey(token)}
	return setTokenScript.Run(ctx, s.client, keys, tokenLookupPrefix, token, strconv.FormatInt(userID, 10)).Err()
}

// TokenOf returns the user's current token.
func (s *Store) TokenOf(ctx context.Context, userID int64) (string, error) {
	val, err := s.client.Get(ctx, tokenKey(userID)).Result()
	if err == redis.Nil {
		return "", faststore.ErrTokenNotFound
	}
	return val, err
}

// AllTokens scans every token key into a snapshot map.
func (s *Store) AllTokens(ctx context.Context) (map[int64]string, error) {
	out := make(map[int64]string)
	iter := s.client.Scan(ctx, 0, tokenUserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, err := strconv.ParseInt(strings.TrimPrefix(key, tokenUserPrefix), 10, 64)
		if err != nil {
			continue
		}
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[userID] = val
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks reachability; the daemon refuses to start while this fails.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
