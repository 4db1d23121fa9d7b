// Package writer drains canonical records from the pending write queue into
// the durable store. Delivery is at-least-once: failed batches are returned
// to the front of the queue and retried on the next cycle, and the store
// deduplicates on content hash.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "feedhub/config"
	"feedhub/internal/metrics"
	"feedhub/internal/models"
	"feedhub/internal/store"
	"feedhub/logger"
)

// BatchWriter owns the pending write queue and the flush cycle. The queue has
// no hard cap: dropping financial events silently is worse than memory
// growth, so depth is exported as a metric instead (see queue_warn_depth).
type BatchWriter struct {
	cfg     appconfig.WriterConfig
	store   store.Store
	archive *store.Archive
	log     *logger.Log

	mu       sync.Mutex
	pending  []models.TradeEvent
	flushing bool
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	warnedDepth bool
}

// NewBatchWriter wires the writer to its durable sinks. The archive may be
// nil when the S3 sink is disabled.
func NewBatchWriter(cfg appconfig.WriterConfig, st store.Store, archive *store.Archive, log *logger.Log) *BatchWriter {
	w := &BatchWriter{
		cfg:     cfg,
		store:   st,
		archive: archive,
		log:     log,
	}
	metrics.SetQueueDepthSampler(w.Depth)
	logger.RegisterDepthSampler("pending_writes", w.Depth)
	return w
}

// Enqueue appends a record to the pending queue. It never blocks the
// ingestion path.
func (w *BatchWriter) Enqueue(event models.TradeEvent) {
	whale := w.cfg.WhaleThreshold > 0 && event.Notional >= w.cfg.WhaleThreshold

	w.mu.Lock()
	w.pending = append(w.pending, event)
	depth := len(w.pending)
	warn := depth >= w.cfg.QueueWarnDepth && !w.warnedDepth
	if warn {
		w.warnedDepth = true
	} else if depth < w.cfg.QueueWarnDepth/2 {
		w.warnedDepth = false
	}
	w.mu.Unlock()

	if whale {
		metrics.IncrementWhaleEvents()
		w.log.WithComponent("batch_writer").WithFields(logger.Fields{
			"symbol":   event.Symbol,
			"address":  event.Address,
			"side":     event.Side,
			"notional": event.Notional,
		}).Info("whale trade observed")
	}

	if warn {
		w.log.WithComponent("batch_writer").WithFields(logger.Fields{
			"depth": depth,
		}).Warn("pending write queue above warn threshold; durable store may be slow")
	}
}

// Start launches the timer-driven flush worker.
func (w *BatchWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("batch_writer").WithFields(logger.Fields{
		"batch_size":     w.cfg.BatchSize,
		"flush_interval": w.cfg.FlushInterval.String(),
	}).Info("starting batch writer")

	w.wg.Add(1)
	go w.flushWorker()
	return nil
}

// Stop terminates the flush worker and performs one final synchronous flush
// that drains the whole queue.
func (w *BatchWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.drain(context.Background())
	w.log.WithComponent("batch_writer").Info("batch writer stopped")
}

// Depth reports the number of records waiting for persistence.
func (w *BatchWriter) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *BatchWriter) flushWorker() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushCycle(w.ctx)
		}
	}
}

// flushCycle runs Flush repeatedly while the queue still holds at least one
// full batch, so bursts drain without waiting for the next tick.
func (w *BatchWriter) flushCycle(ctx context.Context) {
	for {
		n, err := w.Flush(ctx)
		if err != nil || n == 0 {
			return
		}
		if w.Depth() < w.cfg.BatchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Flush dequeues up to one batch and writes it durably. Only one flush runs
// at a time; a call overlapping an in-flight flush is a no-op. On failure the
// batch is returned to the front of the queue for the next cycle.
func (w *BatchWriter) Flush(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.flushing || len(w.pending) == 0 {
		w.mu.Unlock()
		return 0, nil
	}
	w.flushing = true
	n := w.cfg.BatchSize
	if n > len(w.pending) {
		n = len(w.pending)
	}
	batch := w.pending[:n:n]
	w.pending = w.pending[n:]
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.flushing = false
		w.mu.Unlock()
	}()

	writeCtx, cancelWrite := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancelWrite()

	stored, err := w.store.SaveBatch(writeCtx, batch)
	if err != nil {
		w.requeue(batch)
		metrics.IncrementFlushFailure()
		w.log.WithComponent("batch_writer").WithError(err).WithFields(logger.Fields{
			"batch_size": len(batch),
		}).Error("durable write failed; batch requeued")
		return 0, err
	}

	metrics.IncrementFlushedRecords(len(batch))
	logger.IncrementStoreWrite(len(batch))

	if w.archive != nil {
		batchID := uuid.New().String()
		if err := w.archive.ArchiveBatch(ctx, batchID, batch); err != nil {
			// Postgres already holds the batch; the archive is best effort.
			w.log.WithComponent("batch_writer").WithError(err).Warn("failed to archive batch")
		}
	}

	w.log.WithComponent("batch_writer").WithFields(logger.Fields{
		"flushed": len(batch),
		"stored":  stored,
		"skipped": len(batch) - stored,
	}).Debug("batch flushed")

	return len(batch), nil
}

// drain flushes until the queue is empty or a write fails.
func (w *BatchWriter) drain(ctx context.Context) {
	for w.Depth() > 0 {
		n, err := w.Flush(ctx)
		if err != nil {
			w.log.WithComponent("batch_writer").WithError(err).WithFields(logger.Fields{
				"remaining": w.Depth(),
			}).Error("final flush failed; records remain unpersisted")
			return
		}
		if n == 0 {
			return
		}
	}
}

func (w *BatchWriter) requeue(batch []models.TradeEvent) {
	w.mu.Lock()
	w.pending = append(append(make([]models.TradeEvent, 0, len(batch)+len(w.pending)), batch...), w.pending...)
	w.mu.Unlock()
}
