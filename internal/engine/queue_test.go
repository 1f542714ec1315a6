package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/crdt"
)

func TestRun_AppliesInFIFOOrder(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestReplica(t, 1, ModeEnabled, WithUndoObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx) }()

	var outcomes []<-chan Outcome
	for i := 0; i < 5; i++ {
		ch, ok := r.engine.Submit(r.sc, []crdt.Message{
			msg(2, int64(100-i), fmt.Sprintf("tx%d", i), "amount", crdt.Number(float64(i))),
		})
		require.True(t, ok)
		outcomes = append(outcomes, ch)
	}

	for i, ch := range outcomes {
		select {
		case out := <-ch:
			require.NoError(t, out.Err)
			require.Len(t, out.Result.Applied, 1)
			assert.Equal(t, fmt.Sprintf("tx%d", i), out.Result.Applied[0].Row)
		case <-time.After(5 * time.Second):
			t.Fatalf("batch %d never applied", i)
		}
	}

	obs.mu.Lock()
	require.Len(t, obs.applied, 5)
	for i, batch := range obs.applied {
		assert.Equal(t, fmt.Sprintf("tx%d", i), batch[0].Row, "submission order, not timestamp order")
	}
	obs.mu.Unlock()

	r.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSubmit_AfterStopRejected(t *testing.T) {
	r := newTestReplica(t, 1, ModeEnabled)
	r.engine.Stop()

	ch, ok := r.engine.Submit(r.sc, nil)
	assert.False(t, ok)
	assert.Nil(t, ch)
}

func TestRun_CancelFailsQueuedBatches(t *testing.T) {
	r := newTestReplica(t, 1, ModeEnabled)

	ch, ok := r.engine.Submit(r.sc, []crdt.Message{msg(2, 10, "tx1", "amount", crdt.Number(1))})
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With a cancelled context Run either applies the batch first or fails it;
	// the caller always hears back exactly once.
	err := r.engine.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	select {
	case out := <-ch:
		if out.Err != nil {
			assert.True(t, errors.Is(out.Err, ErrContextClosed) || IsStorageFailure(out.Err))
		}
	default:
		t.Fatal("submission left without an outcome")
	}
}

func TestBatchQueue_EnqueueDequeue(t *testing.T) {
	q := newBatchQueue()
	assert.Equal(t, 0, q.Len())

	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(submission{batch: make([]crdt.Message, i)}))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		s, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Len(t, s.batch, i)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.Close()
	q.Close()
	assert.False(t, q.Enqueue(submission{}))
}

func TestQueued_AppliesThroughRunLoop(t *testing.T) {
	r := newTestReplica(t, 1, ModeEnabled)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx) }()

	q := r.engine.Queued()
	res, err := q.Apply(ctx, r.sc, []crdt.Message{msg(2, 100, "tx1", "amount", crdt.Number(3))})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, int64(1), r.sc.Trie().Count())

	r.engine.Stop()
	require.NoError(t, <-done)

	_, err = q.Apply(ctx, r.sc, []crdt.Message{msg(2, 200, "tx1", "amount", crdt.Number(4))})
	assert.ErrorIs(t, err, ErrContextClosed)
}

func TestQueued_CallerContextCancelled(t *testing.T) {
	r := newTestReplica(t, 1, ModeEnabled)

	// Nothing runs the queue, so only the caller's context can end the wait.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.engine.Queued().Apply(ctx, r.sc, []crdt.Message{msg(2, 100, "tx1", "amount", crdt.Number(3))})
	assert.ErrorIs(t, err, context.Canceled)
}
