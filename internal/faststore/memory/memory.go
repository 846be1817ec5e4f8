package memory

import (
	"context"
	"sync"

	"github.com/datapool/datapool-gateway/internal/faststore"
)

// Store implements faststore.Store with in-process maps guarded by a single
// mutex. Suitable for single-instance deployments; for shared deployments use
// the Redis backend. The mutex-guarded section is the atomicity mechanism:
// AtomicPurchase and SetToken run start to finish under the lock.
type Store struct {
	mu       sync.Mutex
	balances map[int64]int64
	pools    map[string]map[string]struct{}
	pooledIn map[string]string // item -> holding type, global dedup index
	sold     map[int64]map[string]struct{}
	soldBy   map[string]int64 // item -> owning user, global dedup index
	tokens   map[int64]string
	lookup   map[string]int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		balances: make(map[int64]int64),
		pools:    make(map[string]map[string]struct{}),
		pooledIn: make(map[string]string),
		sold:     make(map[int64]map[string]struct{}),
		soldBy:   make(map[string]int64),
		tokens:   make(map[int64]string),
		lookup:   make(map[string]int64),
	}
}

// GetBalance returns the live balance, zero for unknown users.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// SetBalance overwrites the balance. Cold start only.
func (s *Store) SetBalance(ctx context.Context, userID int64, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = amount
	return nil
}

// IncrBalance atomically adds delta and returns the new balance.
func (s *Store) IncrBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += delta
	return s.balances[userID], nil
}

// AllBalances snapshots every known balance.
func (s *Store) AllBalances(ctx context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int64, len(s.balances))
	for id, amount := range s.balances {
		out[id] = amount
	}
	return out, nil
}

// AddPoolItems inserts items for typ, rejecting duplicates against every
// type's pool and every sold-set.
func (s *Store) AddPoolItems(ctx context.Context, typ string, items []string) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[typ]
	if !ok {
		pool = make(map[string]struct{})
		s.pools[typ] = pool
	}

	added := 0
	var rejected []string
	for _, item := range items {
		if _, pooled := s.pooledIn[item]; pooled {
			rejected = append(rejected, item)
			continue
		}
		if _, soldAlready := s.soldBy[item]; soldAlready {
			rejected = append(rejected, item)
			continue
		}
		pool[item] = struct{}{}
		s.pooledIn[item] = typ
		added++
	}
	return added, rejected, nil
}

// PoolSize returns the unsold count for typ.
func (s *Store) PoolSize(ctx context.Context, typ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools[typ]), nil
}

// PoolSizes returns unsold counts for all types.
func (s *Store) PoolSizes(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.pools))
	for typ, pool := range s.pools {
		out[typ] = len(pool)
	}
	return out, nil
}

// AtomicPurchase runs the whole check-pop-deduct protocol under the lock.
func (s *Store) AtomicPurchase(ctx context.Context, userID int64, typ string, amount int, unitPrice int64) (faststore.PurchaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[userID]
	requestedCost := int64(amount) * unitPrice
	if balance < requestedCost {
		return faststore.PurchaseResult{RemainingBalance: balance}, faststore.ErrInsufficientFunds
	}

	pool := s.pools[typ]
	if len(pool) == 0 {
		return faststore.PurchaseResult{RemainingBalance: balance}, faststore.ErrPoolExhausted
	}

	items := make([]string, 0, amount)
	for item := range pool {
		if len(items) == amount {
			break
		}
		items = append(items, item)
	}
	for _, item := range items {
		delete(pool, item)
	}

	// Charge only for what was actually removed.
	actualCost := int64(len(items)) * unitPrice
	s.balances[userID] = balance - actualCost

	soldSet, ok := s.sold[userID]
	if !ok {
		soldSet = make(map[string]struct{})
		s.sold[userID] = soldSet
	}
	for _, item := range items {
		soldSet[item] = struct{}{}
		s.soldBy[item] = userID
		delete(s.pooledIn, item)
	}

	return faststore.PurchaseResult{
		Items:            items,
		ActualCost:       actualCost,
		RemainingBalance: s.balances[userID],
		Type:             typ,
	}, nil
}

// SoldItems lists the user's purchased items.
func (s *Store) SoldItems(ctx context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	soldSet := s.sold[userID]
	out := make([]string, 0, len(soldSet))
	for item := range soldSet {
		out = append(out, item)
	}
	return out, nil
}

// ResolveToken maps a token to a user.
func (s *Store) ResolveToken(ctx context.Context, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.lookup[token]
	if !ok {
		return 0, faststore.ErrTokenNotFound
	}
	return userID, nil
}

// SetToken upserts the user's token, retiring the old one in the same step.
func (s *Store) SetToken(ctx context.Context, userID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tokens[userID]; ok {
		delete(s.lookup, old)
	}
	s.tokens[userID] = token
	s.lookup[token] = userID
	return nil
}

// TokenOf returns the user's current token.
func (s *Store) TokenOf(ctx context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	if !ok {
		return "", faststore.ErrTokenNotFound
	}
	return token, nil
}

// AllTokens snapshots the user->token mapping.
func (s *Store) AllTokens(ctx context.Context) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.tokens))
	for id, token := range s.tokens {
		out[id] = token
	}
	return out, nil
}

// Ping always succeeds for the embedded store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close releases nothing for the embedded store.
func (s *Store) Close() error { return nil }
