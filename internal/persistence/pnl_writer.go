package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"signal-core/pkg/db"
)

// BatchStore persists a batch of P/L changes atomically.
type BatchStore interface {
	RecordPnLBatch(ctx context.Context, entries []db.PnLEntry) error
}

// PnLWriter buffers ledger changes and writes them in batches, keeping the
// database off the sequence goroutines. It satisfies ledger.Recorder.
type PnLWriter struct {
	store    BatchStore
	clock    clockwork.Clock
	log      *zap.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []db.PnLEntry
	closed bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	metrics   WriterMetrics
}

// WriterMetrics are cumulative counters for the writer.
type WriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewPnLWriter starts a writer that flushes after maxSize entries or every
// interval, whichever comes first.
func NewPnLWriter(store BatchStore, clock clockwork.Clock, maxSize int, interval time.Duration, log *zap.Logger) *PnLWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &PnLWriter{
		store:    store,
		clock:    clock,
		log:      log,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]db.PnLEntry, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// RecordPnL queues one change. After Close it writes through synchronously
// so late settlements are not lost.
func (w *PnLWriter) RecordPnL(ctx context.Context, day string, delta float64) error {
	if day == "" {
		return db.ErrDayRequired
	}
	entry := db.PnLEntry{Day: day, Delta: delta}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.write(ctx, []db.PnLEntry{entry})
	}
	w.buffer = append(w.buffer, entry)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered so far.
func (w *PnLWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]db.PnLEntry, 0, w.maxSize)
	w.mu.Unlock()

	return w.write(ctx, batch)
}

func (w *PnLWriter) write(ctx context.Context, batch []db.PnLEntry) error {
	atomic.AddUint64(&w.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)

	if err := w.store.RecordPnLBatch(ctx, batch); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		w.log.Error("pnl batch failed", zap.Int("entries", len(batch)), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.metrics.LastBatchSize = len(batch)
	w.metrics.LastFlushTime = w.clock.Now()
	w.mu.Unlock()
	w.log.Debug("pnl batch flushed", zap.Int("entries", len(batch)))
	return nil
}

func (w *PnLWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := w.Flush(context.Background()); err != nil {
				w.log.Warn("background flush failed", zap.Error(err))
			}
		case <-w.done:
			return
		}
	}
}

// Pending returns the number of buffered entries.
func (w *PnLWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns a copy of the counters.
func (w *PnLWriter) Metrics() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterMetrics{
		TotalWrites:   atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&w.metrics.TotalErrors),
		LastBatchSize: w.metrics.LastBatchSize,
		LastFlushTime: w.metrics.LastFlushTime,
	}
}

// Close stops the background flusher and writes what is left.
func (w *PnLWriter) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		err = w.Flush(ctx)
	})
	return err
}
