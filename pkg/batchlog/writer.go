// Package batchlog coalesces high-frequency observability rows (transition
// history, registry lifecycle events) into multi-row inserts. Writes are
// at-most-once best-effort: a failed flush is logged and dropped, never
// re-queued. The authoritative state is always the machine's own persisted
// context.
package batchlog

import (
	"context"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
)

// Config sizes a writer's queue and flush cadence.
type Config struct {
	// BatchSize triggers a flush when the queue reaches it. Default 500.
	BatchSize int

	// FlushInterval is the periodic flush cadence. Default 100ms.
	FlushInterval time.Duration

	// QueueCapacity bounds the in-memory queue. Rows beyond it are dropped.
	// Default 4 * BatchSize.
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4 * c.BatchSize
	}
	return c
}

// Writer batches rows into one target table. Rows for one table are flushed
// in enqueue order; no ordering holds across tables.
type Writer struct {
	store    db.Store
	database string
	table    string
	columns  []string
	cfg      Config
	logger   core.Logger

	mu      sync.Mutex
	queue   [][]interface{}
	dropped uint64
	closed  bool

	flushReq chan struct{}
	done     chan struct{}
}

// NewWriter starts a writer with its flusher goroutine.
func NewWriter(store db.Store, database, table string, columns []string, cfg Config, logger core.Logger) *Writer {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	w := &Writer{
		store:    store,
		database: database,
		table:    table,
		columns:  columns,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		flushReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.flusher()
	return w
}

// Enqueue appends one row. Returns false when the queue is saturated or the
// writer is closed; the row is dropped.
func (w *Writer) Enqueue(row []interface{}) bool {
	w.mu.Lock()
	if w.closed || len(w.queue) >= w.cfg.QueueCapacity {
		w.dropped++
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, row)
	full := len(w.queue) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushReq <- struct{}{}:
		default:
		}
	}
	return true
}

// Dropped returns how many rows were discarded.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Pending returns the queued row count.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Writer) flusher() {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushReq:
			w.flush()
		case <-w.done:
			return
		}
	}
}

// flush drains the queue into one transactional multi-row insert. On error
// the batch is logged and dropped.
func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.InsertBatch(ctx, w.database, w.table, w.columns, batch); err != nil {
		w.mu.Lock()
		w.dropped += uint64(len(batch))
		w.mu.Unlock()
		w.logger.Errorf("batchlog: flush of %d rows into %s.%s failed: %v", len(batch), w.database, w.table, err)
	}
}

// Close stops the flusher after a final drain. Waits at most the given grace
// for the drain to finish.
func (w *Writer) Close(grace time.Duration) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		w.flush()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		w.logger.Warnf("batchlog: close of %s.%s timed out after %s", w.database, w.table, grace)
	}
	close(w.done)
}
