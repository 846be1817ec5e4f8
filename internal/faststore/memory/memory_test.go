package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/datapool/datapool-gateway/internal/faststore"
)

func TestAtomicPurchasePartialFulfillment(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.SetBalance(ctx, 1, 100); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if _, _, err := s.AddPoolItems(ctx, "email", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("add pool items: %v", err)
	}

	// 3 pooled items, 10 requested at unit price 10. Requested cost 100 is
	// covered, delivery is capped by the pool.
	res, err := s.AtomicPurchase(ctx, 1, "email", 10, 10)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(res.Items))
	}
	if res.ActualCost != 30 {
		t.Fatalf("expected cost 30, got %d", res.ActualCost)
	}
	if res.RemainingBalance != 70 {
		t.Fatalf("expected balance 70, got %d", res.RemainingBalance)
	}

	size, err := s.PoolSize(ctx, "email")
	if err != nil {
		t.Fatalf("pool size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty pool, got %d", size)
	}
}

func TestAtomicPurchaseInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.SetBalance(ctx, 1, 5); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if _, _, err := s.AddPoolItems(ctx, "email", []string{"a", "b"}); err != nil {
		t.Fatalf("add pool items: %v", err)
	}

	_, err := s.AtomicPurchase(ctx, 1, "email", 2, 10)
	if !errors.Is(err, faststore.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	balance, _ := s.GetBalance(ctx, 1)
	if balance != 5 {
		t.Fatalf("balance mutated on abort: %d", balance)
	}
	size, _ := s.PoolSize(ctx, "email")
	if size != 2 {
		t.Fatalf("pool mutated on abort: %d", size)
	}
	sold, _ := s.SoldItems(ctx, 1)
	if len(sold) != 0 {
		t.Fatalf("sold-set mutated on abort: %v", sold)
	}
}

func TestAtomicPurchasePoolExhausted(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.SetBalance(ctx, 1, 100); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	_, err := s.AtomicPurchase(ctx, 1, "email", 1, 10)
	if !errors.Is(err, faststore.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	balance, _ := s.GetBalance(ctx, 1)
	if balance != 100 {
		t.Fatalf("balance mutated on abort: %d", balance)
	}
}

func TestAddPoolItemsRejectsPooledAndSoldDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()

	added, rejected, err := s.AddPoolItems(ctx, "email", []string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("add pool items: %v", err)
	}
	if added != 2 || len(rejected) != 1 {
		t.Fatalf("expected 2 added 1 rejected, got %d/%d", added, len(rejected))
	}

	if err := s.SetBalance(ctx, 1, 100); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if _, err := s.AtomicPurchase(ctx, 1, "email", 2, 1); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// Sold items may never rejoin any pool, even a different type's.
	added, rejected, err = s.AddPoolItems(ctx, "phone", []string{"a", "x"})
	if err != nil {
		t.Fatalf("add pool items: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 added, got %d", added)
	}
	if len(rejected) != 1 || rejected[0] != "a" {
		t.Fatalf("expected sold item rejected, got %v", rejected)
	}

	// An item pooled under one type may not enter another type's pool; a
	// single payload must never be sellable twice.
	added, rejected, err = s.AddPoolItems(ctx, "email", []string{"x"})
	if err != nil {
		t.Fatalf("add pool items: %v", err)
	}
	if added != 0 || len(rejected) != 1 || rejected[0] != "x" {
		t.Fatalf("expected cross-type duplicate rejected, got added=%d rejected=%v", added, rejected)
	}

	// The purchased copy of "x" leaves the index, so a fresh add succeeds.
	if err := s.SetBalance(ctx, 2, 100); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	res, err := s.AtomicPurchase(ctx, 2, "phone", 1, 1)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0] != "x" {
		t.Fatalf("expected to buy x, got %v", res.Items)
	}
	added, rejected, err = s.AddPoolItems(ctx, "email", []string{"x", "y"})
	if err != nil {
		t.Fatalf("add pool items: %v", err)
	}
	if added != 1 || len(rejected) != 1 || rejected[0] != "x" {
		t.Fatalf("expected sold x rejected and y added, got added=%d rejected=%v", added, rejected)
	}
}

func TestConcurrentPurchasesConserveItemsAndCredits(t *testing.T) {
	ctx := context.Background()
	s := New()

	const (
		users     = 8
		poolSize  = 100
		unitPrice = int64(2)
	)

	items := make([]string, poolSize)
	for i := range items {
		items[i] = fmt.Sprintf("item-%03d", i)
	}
	if _, _, err := s.AddPoolItems(ctx, "email", items); err != nil {
		t.Fatalf("add pool items: %v", err)
	}
	for u := int64(1); u <= users; u++ {
		if err := s.SetBalance(ctx, u, 1000); err != nil {
			t.Fatalf("set balance: %v", err)
		}
	}

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for {
				_, err := s.AtomicPurchase(ctx, userID, "email", 3, unitPrice)
				if errors.Is(err, faststore.ErrPoolExhausted) {
					return
				}
				if err != nil {
					t.Errorf("user %d: %v", userID, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	// Every item is either still pooled or in exactly one sold-set.
	remaining, _ := s.PoolSize(ctx, "email")
	seen := make(map[string]int64)
	totalSold := 0
	for u := int64(1); u <= users; u++ {
		sold, _ := s.SoldItems(ctx, u)
		totalSold += len(sold)
		for _, item := range sold {
			if prev, dup := seen[item]; dup {
				t.Fatalf("item %s sold to both user %d and %d", item, prev, u)
			}
			seen[item] = u
		}
	}
	if remaining+totalSold != poolSize {
		t.Fatalf("item conservation violated: %d pooled + %d sold != %d", remaining, totalSold, poolSize)
	}

	// Credits deducted must equal items sold times unit price.
	var spent int64
	for u := int64(1); u <= users; u++ {
		balance, _ := s.GetBalance(ctx, u)
		if balance < 0 {
			t.Fatalf("user %d balance went negative: %d", u, balance)
		}
		spent += 1000 - balance
	}
	if spent != int64(totalSold)*unitPrice {
		t.Fatalf("credit conservation violated: spent %d for %d items at %d", spent, totalSold, unitPrice)
	}
}

func TestSetTokenRetiresOldToken(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.SetToken(ctx, 1, "old-token"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := s.SetToken(ctx, 1, "new-token"); err != nil {
		t.Fatalf("rotate token: %v", err)
	}

	if _, err := s.ResolveToken(ctx, "old-token"); !errors.Is(err, faststore.ErrTokenNotFound) {
		t.Fatalf("old token still resolves: %v", err)
	}
	userID, err := s.ResolveToken(ctx, "new-token")
	if err != nil || userID != 1 {
		t.Fatalf("new token resolve: user=%d err=%v", userID, err)
	}
	token, err := s.TokenOf(ctx, 1)
	if err != nil || token != "new-token" {
		t.Fatalf("token of: token=%q err=%v", token, err)
	}
}
