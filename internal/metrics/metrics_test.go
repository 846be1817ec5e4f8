package metrics

import (
	"errors"
	"strings"
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordPurchase("email", 3, 5)
	c.RecordPurchase("email", 2, 2)
	c.RecordPurchaseReject(true)
	c.RecordPurchaseReject(false)
	c.RecordDeposit(100)
	c.RecordDurableWriteFailure()
	c.RecordReconcileTick(2, nil)
	c.RecordReconcileTick(0, errors.New("boom"))
	c.RecordAuthFallback()
	c.RecordAuthReject()

	snap := c.GetSnapshot()
	if snap.Purchases != 2 {
		t.Fatalf("purchases: %d", snap.Purchases)
	}
	if snap.PurchasedItems["email"] != 5 {
		t.Fatalf("purchased items: %v", snap.PurchasedItems)
	}
	if snap.PartialPurchases != 1 {
		t.Fatalf("partial purchases: %d", snap.PartialPurchases)
	}
	if snap.InsufficientRejects != 1 || snap.ExhaustedRejects != 1 {
		t.Fatalf("rejects: %d/%d", snap.InsufficientRejects, snap.ExhaustedRejects)
	}
	if snap.Deposits != 1 || snap.DepositedCredits != 100 {
		t.Fatalf("deposits: %d/%d", snap.Deposits, snap.DepositedCredits)
	}
	if snap.DurableWriteFailures != 1 {
		t.Fatalf("durable write failures: %d", snap.DurableWriteFailures)
	}
	if snap.ReconcileTicks != 2 || snap.ReconcileRepairs != 2 || snap.ReconcileErrors != 1 {
		t.Fatalf("reconcile: %d/%d/%d", snap.ReconcileTicks, snap.ReconcileRepairs, snap.ReconcileErrors)
	}
	if snap.AuthFallbacks != 1 || snap.AuthRejects != 1 {
		t.Fatalf("auth: %d/%d", snap.AuthFallbacks, snap.AuthRejects)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordPurchase("email", 3, 3)
	c.RecordDeposit(50)

	out := FormatPrometheus(c.GetSnapshot())

	for _, want := range []string{
		"engine_purchases_total 1",
		`engine_purchased_items_total{type="email"} 3`,
		"engine_deposited_credits_total 50",
		"# TYPE engine_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
