package store

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/observability/logging"
)

// WriteOp is a single asynchronous Set against the store.
type WriteOp struct {
	Key   string
	Value string
	TTL   time.Duration
}

// AsyncWriter applies Set operations to a KVStore off the request path.
// Producers push onto a bounded channel; when the buffer is full the
// operation is dropped with a warning rather than blocking the caller.
type AsyncWriter struct {
	store         KVStore
	writeChan     chan WriteOp
	batchSize     int
	flushInterval time.Duration

	wg      sync.WaitGroup
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// AsyncWriterConfig configures the async writer.
type AsyncWriterConfig struct {
	// BufferSize is the channel buffer size. Default: 1000.
	BufferSize int
	// BatchSize is the number of operations applied per flush. Default: 10.
	BatchSize int
	// FlushIntervalMs is the maximum wait before flushing. Default: 100.
	FlushIntervalMs int
}

// NewAsyncWriter creates an async writer over the given store.
func NewAsyncWriter(store KVStore, cfg AsyncWriterConfig) *AsyncWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = 100
	}

	return &AsyncWriter{
		store:         store,
		writeChan:     make(chan WriteOp, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		done:          make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true

	w.wg.Add(1)
	go w.worker()

	logging.Infof("AsyncWriter started (buffer=%d, batch=%d)", cap(w.writeChan), w.batchSize)
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	batch := make([]WriteOp, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, op := range batch {
			if err := w.store.Set(ctx, op.Key, op.Value, op.TTL); err != nil {
				logging.Warnf("AsyncWriter: failed to write %s: %v", op.Key, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case op, ok := <-w.writeChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, op)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			for {
				select {
				case op, ok := <-w.writeChan:
					if !ok {
						flush()
						return
					}
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Enqueue adds a write. Returns false when the buffer is full and the write
// was dropped.
func (w *AsyncWriter) Enqueue(op WriteOp) bool {
	select {
	case w.writeChan <- op:
		return true
	default:
		logging.Warnf("AsyncWriter: write buffer full, dropping write for %s", op.Key)
		return false
	}
}

// Stop drains pending writes and shuts the worker down.
func (w *AsyncWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	close(w.writeChan)
	w.wg.Wait()

	logging.Infof("AsyncWriter stopped")
}

// PendingCount returns the number of buffered writes.
func (w *AsyncWriter) PendingCount() int {
	return len(w.writeChan)
}
