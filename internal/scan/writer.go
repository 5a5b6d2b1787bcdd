package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store writer retry policy. A write that still fails after the last retry
// is fatal for the scan.
const (
	writerQueueDepth   = 256
	writerMaxAttempts  = 3
	writerRetryBackoff = 100 * time.Millisecond
)

// writeOp is one persistence operation executed by the scan's writer
// goroutine.
type writeOp func(ctx context.Context) error

// storeWriter serializes all store writes of one scan through a single
// goroutine. Modules and the dispatcher never block on the database
// directly; they enqueue operations and move on. Failed operations are
// retried with backoff, and exhaustion triggers the fatal callback exactly
// once, which moves the scan to ERROR-FAILED.
type storeWriter struct {
	ops    chan writeOp
	ctx    context.Context
	logger *slog.Logger

	fatal     func(err error)
	fatalOnce sync.Once

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newStoreWriter starts the writer goroutine. ctx bounds individual write
// attempts; it must outlive scan cancellation so terminal status writes
// still land.
func newStoreWriter(ctx context.Context, logger *slog.Logger, fatal func(err error)) *storeWriter {
	w := &storeWriter{
		ops:    make(chan writeOp, writerQueueDepth),
		ctx:    ctx,
		logger: logger,
		fatal:  fatal,
	}

	w.wg.Add(1)

	go w.run()

	return w
}

func (w *storeWriter) run() {
	defer w.wg.Done()

	for op := range w.ops {
		w.execute(op)
	}
}

func (w *storeWriter) execute(op writeOp) {
	var err error

	for attempt := 1; attempt <= writerMaxAttempts; attempt++ {
		if err = op(w.ctx); err == nil {
			return
		}

		if attempt < writerMaxAttempts {
			backoff := writerRetryBackoff * time.Duration(1<<(attempt-1))
			w.logger.Warn("store write failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
			time.Sleep(backoff)
		}
	}

	w.logger.Error("store write failed permanently", slog.String("error", err.Error()))

	w.fatalOnce.Do(func() {
		if w.fatal != nil {
			w.fatal(err)
		}
	})
}

// Enqueue queues one write. Blocks when the queue is full, so a slow store
// eventually backpressures event production.
func (w *storeWriter) Enqueue(op writeOp) {
	w.ops <- op
}

// Close stops intake and drains the queue. Enqueue must not be called after
// Close.
func (w *storeWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.ops)
	})

	w.wg.Wait()
}
