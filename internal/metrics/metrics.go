package metrics

import (
	"sync"
	"time"
)

// Collector tracks engine counters for Prometheus exposition.
// This implementation uses manual metric tracking without external dependencies.
type Collector struct {
	mu sync.RWMutex

	// Purchase metrics
	purchases        int64            // completed purchases
	purchasedItems   map[string]int64 // items sold by type
	partialPurchases int64            // purchases fulfilled below the requested amount
	insufficient     int64            // rejections for insufficient credits
	exhausted        int64            // rejections for an empty pool

	// Deposit metrics
	deposits         int64
	depositedCredits int64

	// Durability metrics
	durableWriteFailures int64 // inline write-throughs that failed

	// Reconciliation metrics
	reconcileTicks   int64
	reconcileRepairs int64 // rows overwritten in the durable store
	reconcileErrors  int64

	// Auth metrics
	authFallbacks int64 // token resolutions served by the durable store
	authRejects   int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		purchasedItems: make(map[string]int64),
		startTime:      time.Now(),
	}
}

// RecordPurchase records a completed purchase of itemCount items of typ.
func (c *Collector) RecordPurchase(typ string, itemCount, requested int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purchases++
	c.purchasedItems[typ] += int64(itemCount)
	if itemCount < requested {
		c.partialPurchases++
	}
}

// RecordPurchaseReject records a typed purchase rejection.
func (c *Collector) RecordPurchaseReject(insufficientFunds bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if insufficientFunds {
		c.insufficient++
	} else {
		c.exhausted++
	}
}

// RecordDeposit records a completed credit deposit.
func (c *Collector) RecordDeposit(amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits++
	c.depositedCredits += amount
}

// RecordDurableWriteFailure records a swallowed write-through failure.
func (c *Collector) RecordDurableWriteFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durableWriteFailures++
}

// RecordReconcileTick records one scheduler pass and the repairs it made.
func (c *Collector) RecordReconcileTick(repairs int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconcileTicks++
	c.reconcileRepairs += int64(repairs)
	if err != nil {
		c.reconcileErrors++
	}
}

// RecordAuthFallback records a token resolution that needed the durable store.
func (c *Collector) RecordAuthFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFallbacks++
}

// RecordAuthReject records a failed token resolution.
func (c *Collector) RecordAuthReject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authRejects++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime               int64
	Purchases            int64
	PurchasedItems       map[string]int64
	PartialPurchases     int64
	InsufficientRejects  int64
	ExhaustedRejects     int64
	Deposits             int64
	DepositedCredits     int64
	DurableWriteFailures int64
	ReconcileTicks       int64
	ReconcileRepairs     int64
	ReconcileErrors      int64
	AuthFallbacks        int64
	AuthRejects          int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make(map[string]int64, len(c.purchasedItems))
	for k, v := range c.purchasedItems {
		items[k] = v
	}
	return Snapshot{
		Uptime:               int64(time.Since(c.startTime).Seconds()),
		Purchases:            c.purchases,
		PurchasedItems:       items,
		PartialPurchases:     c.partialPurchases,
		InsufficientRejects:  c.insufficient,
		ExhaustedRejects:     c.exhausted,
		Deposits:             c.deposits,
		DepositedCredits:     c.depositedCredits,
		DurableWriteFailures: c.durableWriteFailures,
		ReconcileTicks:       c.reconcileTicks,
		ReconcileRepairs:     c.reconcileRepairs,
		ReconcileErrors:      c.reconcileErrors,
		AuthFallbacks:        c.authFallbacks,
		AuthRejects:          c.authRejects,
	}
}
