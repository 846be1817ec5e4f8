package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/datapool/datapool-gateway/internal/durable"
	"github.com/datapool/datapool-gateway/internal/faststore"
	"github.com/datapool/datapool-gateway/internal/metrics"
	"github.com/datapool/datapool-gateway/internal/tokenauth"
)

// Reconciler periodically copies live fast-store state into the durable
// backup, repairing any write-throughs that failed inline. It only ever
// writes in the fast-to-durable direction and its writes are idempotent, so
// ticks may race with purchase and deposit traffic without coordination.
type Reconciler struct {
	fast      faststore.Store
	store     durable.Store
	interval  time.Duration
	logger    *log.Logger
	collector *metrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler ticking at the given interval (default 5s).
func New(fast faststore.Store, store durable.Store, interval time.Duration, logger *log.Logger, collector *metrics.Collector) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		fast:      fast,
		store:     store,
		interval:  interval,
		logger:    logger,
		collector: collector,
	}
}

// Start launches the background loop. The first tick runs after one interval,
// not immediately; cold start already aligned the stores.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Printf("[INFO] Reconciler.Start: interval=%s", r.interval)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Printf("[INFO] Reconciler.Stop: stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repairs, err := r.RunOnce(ctx)
			if r.collector != nil {
				r.collector.RecordReconcileTick(repairs, err)
			}
			if err != nil {
				r.logger.Printf("[ERROR] Reconciler.loop: tick failed: %v", err)
			} else if repairs > 0 {
				r.logger.Printf("[INFO] Reconciler.loop: repaired %d row(s)", repairs)
			}
		}
	}
}

// RunOnce performs a single reconciliation pass: every fast-store balance and
// token is compared to its durable row, and rows that differ or are missing
// are overwritten with the fast-store value. The fast store is never touched.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	repairs := 0

	n, err := r.syncBalances(ctx)
	repairs += n
	if err != nil {
		return repairs, err
	}

	n, err = r.syncTokens(ctx)
	repairs += n
	return repairs, err
}

func (r *Reconciler) syncBalances(ctx context.Context) (int, error) {
	live, err := r.fast.AllBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot fast balances: %w", err)
	}
	stored, err := r.store.AllBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load durable balances: %w", err)
	}

	repairs := 0
	for userID, amount := range live {
		if prev, ok := stored[userID]; ok && prev == amount {
			continue
		}
		if err := r.store.UpsertBalance(ctx, userID, amount); err != nil {
			return repairs, fmt.Errorf("upsert balance for user %d: %w", userID, err)
		}
		repairs++
	}
	return repairs, nil
}

func (r *Reconciler) syncTokens(ctx context.Context) (int, error) {
	live, err := r.fast.AllTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot fast tokens: %w", err)
	}
	stored, err := r.store.AllTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("load durable token hashes: %w", err)
	}

	repairs := 0
	for userID, token := range live {
		hash := tokenauth.Hash(token)
		if prev, ok := stored[userID]; ok && prev == hash {
			continue
		}
		if err := r.store.UpsertToken(ctx, userID, hash); err != nil {
			return repairs, fmt.Errorf("upsert token for user %d: %w", userID, err)
		}
		repairs++
	}
	return repairs, nil
}
