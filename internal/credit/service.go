package credit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/datapool/datapool-gateway/internal/durable"
	"github.com/datapool/datapool-gateway/internal/durable/async"
	"github.com/datapool/datapool-gateway/internal/faststore"
	"github.com/datapool/datapool-gateway/internal/metrics"
)

// Service orchestrates purchases and deposits against the fast store and keeps
// the durable backup current with best-effort write-throughs. The fast store
// is authoritative: once it has been mutated the operation has succeeded, and
// a durable write failure is logged and left for reconciliation, never
// surfaced to the caller.
type Service struct {
	fast         faststore.Store
	store        durable.Store
	txWriter     *async.Writer
	prices       *PriceTable
	logger       *log.Logger
	collector    *metrics.Collector
	writeTimeout time.Duration
}

// Config wires the service's collaborators.
type Config struct {
	Fast         faststore.Store
	Durable      durable.Store
	TxWriter     *async.Writer
	Prices       *PriceTable
	Logger       *log.Logger
	Collector    *metrics.Collector
	WriteTimeout time.Duration // inline durable write budget (default 2s)
}

// NewService creates a credit service.
func NewService(cfg Config) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Service{
		fast:         cfg.Fast,
		store:        cfg.Durable,
		txWriter:     cfg.TxWriter,
		prices:       cfg.Prices,
		logger:       cfg.Logger,
		collector:    cfg.Collector,
		writeTimeout: cfg.WriteTimeout,
	}
}

// GetBalance returns the live balance from the fast store.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.fast.GetBalance(ctx, userID)
}

// AddCredits atomically adds amount to the user's live balance, then performs
// a best-effort write-through of the balance and a deposit ledger row.
func (s *Service) AddCredits(ctx context.Context, userID int64, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	balance, err := s.fast.IncrBalance(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	s.logger.Printf("[INFO] Service.AddCredits: user=%d amount=%d balance=%d", userID, amount, balance)
	if s.collector != nil {
		s.collector.RecordDeposit(amount)
	}

	if description == "" {
		description = fmt.Sprintf("Deposited %d credits", amount)
	}
	s.writeThrough(userID, balance, durable.Transaction{
		UUID:        uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Timestamp:   time.Now().UTC(),
	})
	return balance, nil
}

// Purchase resolves the unit price for typ and runs the atomic purchase
// protocol. Partial fulfillment is a success; the caller is charged only for
// the items actually delivered. The response never depends on the outcome of
// the durable write-through.
func (s *Service) Purchase(ctx context.Context, userID int64, typ string, amount int) (faststore.PurchaseResult, error) {
	if amount <= 0 {
		return faststore.PurchaseResult{}, fmt.Errorf("purchase amount must be positive, got %d", amount)
	}
	unitPrice, err := s.prices.Price(typ)
	if err != nil {
		return faststore.PurchaseResult{}, err
	}

	result, err := s.fast.AtomicPurchase(ctx, userID, typ, amount, unitPrice)
	if err != nil {
		if s.collector != nil {
			switch err {
			case faststore.ErrInsufficientFunds:
				s.collector.RecordPurchaseReject(true)
			case faststore.ErrPoolExhausted:
				s.collector.RecordPurchaseReject(false)
			}
		}
		return faststore.PurchaseResult{}, err
	}

	s.logger.Printf("[INFO] Service.Purchase: user=%d type=%s requested=%d delivered=%d cost=%d balance=%d",
		userID, typ, amount, len(result.Items), result.ActualCost, result.RemainingBalance)
	if s.collector != nil {
		s.collector.RecordPurchase(typ, len(result.Items), amount)
	}

	s.writeThrough(userID, result.RemainingBalance, durable.Transaction{
		UUID:        uuid.NewString(),
		UserID:      userID,
		Amount:      -result.ActualCost,
		Description: fmt.Sprintf("Purchased %d %s item(s)", len(result.Items), typ),
		DataRef:     result.Items,
		Timestamp:   time.Now().UTC(),
	})
	return result, nil
}

// writeThrough pushes the new balance to the durable store inline with a short
// timeout and queues the ledger row for batched persistence. Failures are
// logged; the next reconciliation tick repairs the balance.
func (s *Service) writeThrough(userID, balance int64, tx durable.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.store.UpsertBalance(ctx, userID, balance); err != nil {
		s.logger.Printf("[WARN] Service.writeThrough: balance write failed for user=%d, reconciliation will repair: %v", userID, err)
		if s.collector != nil {
			s.collector.RecordDurableWriteFailure()
		}
	}
	s.txWriter.Enqueue(tx)
}

// Transactions lists ledger rows for a user from the durable store. The fast
// store holds no history.
func (s *Service) Transactions(ctx context.Context, userID int64, f durable.Filter) ([]durable.Transaction, int, error) {
	return s.store.ListTransactions(ctx, userID, f)
}

// AddPoolItems inserts items into the pool, rejecting duplicates of pooled or
// already-sold items.
func (s *Service) AddPoolItems(ctx context.Context, typ string, items []string) (int, []string, error) {
	added, rejected, err := s.fast.AddPoolItems(ctx, typ, items)
	if err != nil {
		return 0, nil, err
	}
	s.logger.Printf("[INFO] Service.AddPoolItems: type=%s added=%d rejected=%d", typ, added, len(rejected))
	return added, rejected, nil
}

// PoolSizes returns the unsold item count per data type.
func (s *Service) PoolSizes(ctx context.Context) (map[string]int, error) {
	return s.fast.PoolSizes(ctx)
}

// ColdStart seeds an empty fast store with the last-reconciled balances from
// the durable store. This is the only write in the durable-to-fast direction;
// a fast store that holds any balance at all survived the restart, and its
// state wins wholesale. A user who spent down to zero must stay at zero even
// when the backup is behind.
func (s *Service) ColdStart(ctx context.Context) error {
	live, err := s.fast.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("probe fast balances: %w", err)
	}
	if len(live) > 0 {
		s.logger.Printf("[INFO] Service.ColdStart: fast store already holds %d balance(s), skipping seed", len(live))
		return nil
	}

	balances, err := s.store.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("load durable balances: %w", err)
	}
	for userID, amount := range balances {
		if err := s.fast.SetBalance(ctx, userID, amount); err != nil {
			return fmt.Errorf("seed balance for user %d: %w", userID, err)
		}
	}
	s.logger.Printf("[INFO] Service.ColdStart: seeded %d balance(s) into fast store", len(balances))
	return nil
}
