package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/datapool/datapool-gateway/internal/durable"
)

// Writer batches transaction rows and writes them to the durable store in the
// background. Row durability is best effort: a row lost to a crash before
// flushing is gone, but balances and tokens still self-heal through
// reconciliation, so no money is ever miscounted.
type Writer struct {
	store         durable.Store
	entryChan     chan durable.Transaction
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config configures batching behaviour.
type Config struct {
	BatchSize     int           // maximum rows per batch (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue capacity (default 10000)
	Logger        *log.Logger
}

// NewWriter starts the background flusher.
func NewWriter(store durable.Store, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	w := &Writer{
		store:         store,
		entryChan:     make(chan durable.Transaction, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	w.wg.Add(1)
	go w.flusher()
	return w
}

// Enqueue queues a row without blocking. When the queue is full the row is
// dropped and counted against best-effort durability.
func (w *Writer) Enqueue(tx durable.Transaction) {
	select {
	case w.entryChan <- tx:
	default:
		if w.logger != nil {
			w.logger.Printf("[WARN] async.Enqueue: queue full, dropping transaction row user=%d", tx.UserID)
		}
	}
}

func (w *Writer) flusher() {
	defer w.wg.Done()

	batch := make([]durable.Transaction, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		written := 0
		for _, tx := range batch {
			if err := w.store.RecordTransaction(ctx, tx); err != nil {
				if w.logger != nil {
					w.logger.Printf("[ERROR] async.flusher: write transaction row: %v", err)
				}
				continue
			}
			written++
		}
		if w.logger != nil && written < len(batch) {
			w.logger.Printf("[WARN] async.flusher: flushed %d/%d rows", written, len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case tx := <-w.entryChan:
			batch = append(batch, tx)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopChan:
			close(w.entryChan)
			for tx := range w.entryChan {
				batch = append(batch, tx)
				if len(batch) >= w.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// Close drains the queue and stops the flusher. The underlying store is left
// open; the composition root owns its lifecycle.
func (w *Writer) Close() error {
	close(w.stopChan)
	w.wg.Wait()
	return nil
}
