package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/datapool/datapool-gateway/internal/durable"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "datapool.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBalanceUpsertAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Balance(ctx, 1); !errors.Is(err, durable.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertBalance(ctx, 1, 40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertBalance(ctx, 1, 50); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rec, err := s.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Credits != 50 {
		t.Fatalf("expected 50 credits, got %d", rec.Credits)
	}

	all, err := s.AllBalances(ctx)
	if err != nil {
		t.Fatalf("all balances: %v", err)
	}
	if len(all) != 1 || all[1] != 50 {
		t.Fatalf("unexpected snapshot: %v", all)
	}
}

func TestTokenUpsertReplacesHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertToken(ctx, 1, "hash-old"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertToken(ctx, 1, "hash-new"); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, err := s.UserByTokenHash(ctx, "hash-old"); !errors.Is(err, durable.ErrNotFound) {
		t.Fatalf("old hash still resolves: %v", err)
	}
	userID, err := s.UserByTokenHash(ctx, "hash-new")
	if err != nil || userID != 1 {
		t.Fatalf("new hash resolve: user=%d err=%v", userID, err)
	}

	rec, err := s.TokenByUser(ctx, 1)
	if err != nil {
		t.Fatalf("token by user: %v", err)
	}
	if rec.TokenHash != "hash-new" {
		t.Fatalf("expected hash-new, got %s", rec.TokenHash)
	}
}

func TestTransactionHistoryPagingAndKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	rows := []durable.Transaction{
		{UserID: 1, Amount: 100, Description: "deposit", Timestamp: base},
		{UserID: 1, Amount: -30, Description: "bought 3", DataRef: []string{"a", "b", "c"}, Timestamp: base.Add(time.Minute)},
		{UserID: 1, Amount: -10, Description: "bought 1", DataRef: []string{"d"}, Timestamp: base.Add(2 * time.Minute)},
		{UserID: 2, Amount: 500, Description: "other user", Timestamp: base},
	}
	for _, tx := range rows {
		if err := s.RecordTransaction(ctx, tx); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	list, total, err := s.ListTransactions(ctx, 1, durable.Filter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(list) != 2 {
		t.Fatalf("expected page of 2, got %d", len(list))
	}
	// Newest first.
	if list[0].Amount != -10 || list[1].Amount != -30 {
		t.Fatalf("unexpected order: %+v", list)
	}
	if len(list[1].DataRef) != 3 {
		t.Fatalf("data refs lost: %+v", list[1].DataRef)
	}

	purchases, total, err := s.ListTransactions(ctx, 1, durable.Filter{Kinds: []string{"purchase"}})
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if total != 2 || len(purchases) != 2 {
		t.Fatalf("expected 2 purchases, got total=%d len=%d", total, len(purchases))
	}
	for _, tx := range purchases {
		if tx.Amount >= 0 {
			t.Fatalf("deposit leaked into purchase filter: %+v", tx)
		}
	}

	deposits, total, err := s.ListTransactions(ctx, 1, durable.Filter{Kinds: []string{"deposit"}})
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	if total != 1 || len(deposits) != 1 || deposits[0].Amount != 100 {
		t.Fatalf("unexpected deposits: total=%d %+v", total, deposits)
	}
}
