// ABOUTME: Bounded asynchronous usage recorder with a single consumer goroutine
// ABOUTME: Entries are dropped, logged and counted when the queue is full

package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// recordTimeout bounds each background ledger write.
const recordTimeout = 10 * time.Second

// AsyncRecorder decouples the tool-call path from ledger writes.
// Enqueue never blocks: when the queue is full the entry is dropped.
type AsyncRecorder struct {
	next   Recorder
	queue  chan Entry
	logger *slog.Logger
	onDrop func()

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// AsyncOption configures an AsyncRecorder.
type AsyncOption func(*AsyncRecorder)

// WithDropHook registers fn to run every time an entry is dropped.
func WithDropHook(fn func()) AsyncOption {
	return func(a *AsyncRecorder) {
		a.onDrop = fn
	}
}

// NewAsyncRecorder starts a consumer that forwards queued entries to next.
func NewAsyncRecorder(next Recorder, size int, logger *slog.Logger, opts ...AsyncOption) *AsyncRecorder {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncRecorder{
		next:   next,
		queue:  make(chan Entry, size),
		logger: logger.With("component", "usage-recorder"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.consume()
	return a
}

// Enqueue schedules e for recording. Returns false if e was dropped.
func (a *AsyncRecorder) Enqueue(e Entry) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(e, "recorder closed")
		return false
	}

	select {
	case a.queue <- e:
		return true
	default:
		a.drop(e, "queue full")
		return false
	}
}

// Record satisfies Recorder by enqueueing. It never returns an error.
func (a *AsyncRecorder) Record(_ context.Context, e Entry) error {
	a.Enqueue(e)
	return nil
}

// Dropped returns how many entries were discarded.
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting entries and waits for the queue to drain.
// Safe to call multiple times.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncRecorder) drop(e Entry, reason string) {
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop()
	}
	a.logger.Warn("dropped usage record",
		"reason", reason,
		"server_id", e.ServerID,
		"tool", e.ToolName)
}

func (a *AsyncRecorder) consume() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := a.next.Record(ctx, e); err != nil {
			a.logger.Error("recording usage failed",
				"server_id", e.ServerID,
				"tool", e.ToolName,
				"error", err)
		}
		cancel()
	}
}

var _ Recorder = (*AsyncRecorder)(nil)
