package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs journal writes off the caller's goroutine so a slow disk
// never stalls a commit in progress. Writes that do not fit the channel wait
// in a backlog; order is preserved. After shutdown new writes are dropped.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd

	mu      sync.Mutex
	backlog []writeCmd
	closed  bool
	pending int
	// idle is closed when pending drops back to zero.
	idle chan struct{}
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("db write dropped after shutdown", "cmd", name)

		return
	}
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++

	if len(w.backlog) == 0 {
		select {
		case w.queue <- cmd:
			return
		default:
		}
	}
	w.backlog = append(w.backlog, cmd)
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				w.shutdown()

				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
				w.finish()
			}
		}
	}()
}

// Flush blocks until every enqueued write finished or ctx is done.
func (w *WriterQueue) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()

		return nil
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish accounts for one completed write and moves backlog into the freed
// channel space.
func (w *WriterQueue) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.release(1)
	for len(w.backlog) > 0 {
		select {
		case w.queue <- w.backlog[0]:
			w.backlog = w.backlog[1:]
		default:
			return
		}
	}
}

func (w *WriterQueue) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true

	dropped := len(w.backlog)
	for _, cmd := range w.backlog {
		w.logger.Warn("db write dropped on shutdown", "cmd", cmd.name)
	}
	w.backlog = nil
	for {
		select {
		case cmd := <-w.queue:
			w.logger.Warn("db write dropped on shutdown", "cmd", cmd.name)
			dropped++
		default:
			w.release(dropped)

			return
		}
	}
}

// release must be called with mu held.
func (w *WriterQueue) release(n int) {
	if n <= 0 {
		return
	}
	w.pending -= n
	if w.pending <= 0 {
		w.pending = 0
		close(w.idle)
		w.idle = nil
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}

			continue
		}

		return
	}
}
