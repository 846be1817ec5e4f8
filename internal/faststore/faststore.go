package faststore

import (
	"context"
	"errors"
)

// Sentinel errors returned by the atomic purchase protocol and token lookups.
// These are typed, user-visible results; everything else is an operational error.
var (
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrPoolExhausted     = errors.New("no data available for type")
	ErrTokenNotFound     = errors.New("token not found")
)

// PurchaseResult carries the outcome of a successful AtomicPurchase.
// Items may hold fewer entries than requested (partial fulfillment); ActualCost
// is always recomputed from the items actually removed, so the caller is never
// charged for items it did not receive.
type PurchaseResult struct {
	Items            []string `json:"data"`
	ActualCost       int64    `json:"cost"`
	RemainingBalance int64    `json:"credit_remaining"`
	Type             string   `json:"type"`
}

// Store is the authoritative low-latency store for live balances, the data
// pool, per-user sold-sets, and the token mapping.
//
// Every method executes as a single indivisible unit with respect to all other
// operations touching the same keys. Implementations may serialize through a
// mutex (embedded store) or a server-side script (Redis); callers rely only on
// the all-or-nothing contract.
type Store interface {
	// GetBalance returns the live credit balance, zero for unknown users.
	GetBalance(ctx context.Context, userID int64) (int64, error)
	// SetBalance overwrites the balance. Used at cold start only; purchases
	// and deposits must go through AtomicPurchase / IncrBalance.
	SetBalance(ctx context.Context, userID int64, amount int64) error
	// IncrBalance atomically adds delta and returns the new balance.
	IncrBalance(ctx context.Context, userID int64, delta int64) (int64, error)
	// AllBalances snapshots every known balance for reconciliation.
	AllBalances(ctx context.Context) (map[int64]int64, error)

	// AddPoolItems inserts items into the pool for typ, rejecting any item
	// already pooled or already present in a sold-set. It returns the number
	// added and the rejected items.
	AddPoolItems(ctx context.Context, typ string, items []string) (int, []string, error)
	// PoolSize returns the number of unsold items for typ.
	PoolSize(ctx context.Context, typ string) (int, error)
	// PoolSizes returns unsold counts for every known type.
	PoolSizes(ctx context.Context) (map[string]int, error)

	// AtomicPurchase runs the indivisible check-pop-deduct protocol:
	// reject on insufficient balance for the requested cost, pop up to amount
	// items, reject on empty pool, charge only for items popped, move popped
	// items to the user's sold-set. Aborted purchases leave no state change.
	AtomicPurchase(ctx context.Context, userID int64, typ string, amount int, unitPrice int64) (PurchaseResult, error)
	// SoldItems lists every item the user has purchased.
	SoldItems(ctx context.Context, userID int64) ([]string, error)

	// ResolveToken maps a bearer token to a user, ErrTokenNotFound on miss.
	ResolveToken(ctx context.Context, token string) (int64, error)
	// SetToken upserts the user's token and retires any previous token in the
	// same atomic step; the old token stops resolving the instant this returns.
	SetToken(ctx context.Context, userID int64, token string) error
	// TokenOf returns the user's current token, ErrTokenNotFound if none.
	TokenOf(ctx context.Context, userID int64) (string, error)
	// AllTokens snapshots the user->token mapping for reconciliation.
	AllTokens(ctx context.Context) (map[int64]string, error)

	// Ping reports whether the store is reachable. The process must refuse to
	// serve while this fails; the fast store is the sole source of live truth.
	Ping(ctx context.Context) error
	Close() error
}
