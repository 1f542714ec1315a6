package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/crdtsync/internal/crdt"
)

// Outcome is the result of a submitted batch.
type Outcome struct {
	Result *Result
	Err    error
}

// submission is one queued batch.
type submission struct {
	sc    *SyncContext
	batch []crdt.Message
	done  chan Outcome
}

// batchQueue is a thread-safe FIFO queue of batches waiting for Apply.
//
// The queue is unbounded so that producers (UI edits, sync rounds) never block
// on a slow apply. It uses a channel for signaling to enable context-aware
// waiting in the Run loop.
type batchQueue struct {
	mu     sync.Mutex
	items  []submission
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newBatchQueue() *batchQueue {
	return &batchQueue{
		items:  make([]submission, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a submission to the back of the queue.
// Returns false if the queue is closed.
func (q *batchQueue) Enqueue(s submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, s)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front submission without blocking.
func (q *batchQueue) TryDequeue() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return submission{}, false
	}

	s := q.items[0]
	// Nil out the slot so the batch can be collected.
	q.items[0] = submission{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return s, true
}

// Wait returns a channel that signals when submissions may be available.
func (q *batchQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *batchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting submissions and wakes the Run loop. Submissions still
// queued are failed with ErrContextClosed by the caller.
func (q *batchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Submit queues a batch for the Run loop and returns a channel that receives
// exactly one Outcome. Returns false if the engine has been stopped.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Submit(sc *SyncContext, batch []crdt.Message) (<-chan Outcome, bool) {
	done := make(chan Outcome, 1)
	if !e.queue.Enqueue(submission{sc: sc, batch: batch, done: done}) {
		return nil, false
	}
	return done, true
}

// Queued applies batches through the Run loop instead of calling Apply
// directly. It satisfies the same Apply signature as *Engine.
type Queued struct {
	engine *Engine
}

// Queued returns an applier that submits to e's queue.
func (e *Engine) Queued() *Queued {
	return &Queued{engine: e}
}

// Apply submits batch and waits for its outcome. If ctx ends first the call
// returns ctx.Err(), but the batch stays queued and may still be applied.
func (q *Queued) Apply(ctx context.Context, sc *SyncContext, batch []crdt.Message) (*Result, error) {
	done, ok := q.engine.Submit(sc, batch)
	if !ok {
		return nil, ErrContextClosed
	}
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run applies submitted batches in FIFO order until the context is cancelled
// or Stop is called. Batches still queued at that point receive
// ErrContextClosed.
//
// Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		if s, ok := e.queue.TryDequeue(); ok {
			res, err := e.Apply(ctx, s.sc, s.batch)
			s.done <- Outcome{Result: res, Err: err}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			e.drain()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// makes this case fire immediately.
			if e.queue.Len() == 0 && e.stopped() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once it is empty.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) stopped() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

func (e *Engine) drain() {
	for {
		s, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		s.done <- Outcome{Err: ErrContextClosed}
	}
}
