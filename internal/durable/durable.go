package durable

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing balance, token, or user rows.
var ErrNotFound = errors.New("record not found")

// BalanceRecord is the last-reconciled credit balance for a user.
type BalanceRecord struct {
	UserID    int64     `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenRecord is the persisted token hash for a user. One active token per
// user; rotation replaces the row wholesale.
type TokenRecord struct {
	UserID    int64     `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger row. Amount is negative for purchases
// and positive for deposits. DataRef carries purchased item payloads or a
// payment reference.
type Transaction struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	DataRef     []string  `json:"data_ref,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter narrows and pages a transaction history read.
type Filter struct {
	Page  int
	Limit int
	// Kinds filters by sign: "purchase" (negative) and/or "deposit" (positive).
	// Empty means all.
	Kinds []string
}

// Store is the durable relational backup: last-reconciled balances, token
// hashes, and the append-only transaction ledger. It is the system of record
// for history, never a source of live values.
type Store interface {
	Balance(ctx context.Context, userID int64) (*BalanceRecord, error)
	UpsertBalance(ctx context.Context, userID int64, credits int64) error
	AllBalances(ctx context.Context) (map[int64]int64, error)

	UpsertToken(ctx context.Context, userID int64, tokenHash string) error
	UserByTokenHash(ctx context.Context, hash string) (int64, error)
	TokenByUser(ctx context.Context, userID int64) (*TokenRecord, error)
	AllTokens(ctx context.Context) (map[int64]string, error)

	RecordTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context, userID int64, f Filter) ([]Transaction, int, error)

	Close() error
}
