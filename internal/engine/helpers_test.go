package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/store"
	"github.com/roach88/crdtsync/internal/testutil"
)

// testReplica bundles everything one replica needs for engine tests.
type testReplica struct {
	store  *store.Store
	engine *Engine
	sc     *SyncContext
	wall   *testutil.ManualClock
}

func newTestReplica(t *testing.T, idx int, mode Mode, opts ...EngineOption) *testReplica {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	wall := testutil.NewManualClock(1_700_000_000_000)
	clock := crdt.NewClock(testutil.ReplicaID(idx), crdt.WithWallClock(wall.Now))
	return &testReplica{
		store:  s,
		engine: New(s, opts...),
		sc:     NewSyncContext(clock, merkle.New(), "file", "group", mode),
		wall:   wall,
	}
}

func (r *testReplica) row(t *testing.T, dataset, row string) crdt.Row {
	t.Helper()
	got, err := r.store.GetRow(context.Background(), dataset, row)
	require.NoError(t, err)
	return got
}

func msg(node int, millis int64, row, column string, value crdt.Scalar) crdt.Message {
	return crdt.Message{
		Dataset:   "transactions",
		Row:       row,
		Column:    column,
		Timestamp: crdt.Timestamp{Millis: millis, Node: testutil.ReplicaID(node)},
		Value:     value,
	}
}

// recordingObserver captures collaborator notifications.
type recordingObserver struct {
	mu      sync.Mutex
	applied [][]crdt.Message
	before  []map[crdt.RowKey]crdt.Row
	changed []map[string][]string
}

func (o *recordingObserver) MessagesApplied(_ context.Context, applied []crdt.Message, before map[crdt.RowKey]crdt.Row) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, applied)
	o.before = append(o.before, before)
}

func (o *recordingObserver) RowsChanged(_ context.Context, changed map[string][]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, changed)
}

var errDiskFull = errors.New("disk full")

// failingStorage runs the real transaction but fails the clock write, so
// every earlier write in the batch must roll back.
type failingStorage struct {
	inner *store.Store
}

func (f *failingStorage) Transaction(ctx context.Context, fn func(store.Tx) error) error {
	return f.inner.Transaction(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	store.Tx
}

func (failingTx) WriteClock(context.Context, store.ClockState) error {
	return errDiskFull
}
