package syncer

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/store"
	"github.com/roach88/crdtsync/internal/testutil"
	"github.com/roach88/crdtsync/internal/wire"
)

type testReplica struct {
	store  *store.Store
	engine *engine.Engine
	sc     *engine.SyncContext
	wall   *testutil.ManualClock
}

func newTestReplica(t *testing.T, idx int, start int64) *testReplica {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	wall := testutil.NewManualClock(start)
	clock := crdt.NewClock(testutil.ReplicaID(idx), crdt.WithWallClock(wall.Now))
	return &testReplica{
		store:  s,
		engine: engine.New(s),
		sc:     engine.NewSyncContext(clock, merkle.New(), "budget", "group", engine.ModeEnabled),
		wall:   wall,
	}
}

func (r *testReplica) set(t *testing.T, row, column string, value crdt.Scalar) {
	t.Helper()
	_, err := r.engine.Mutate(context.Background(), r.sc, []engine.Edit{
		{Dataset: "transactions", Row: row, Column: column, Value: value},
	})
	require.NoError(t, err)
}

func (r *testReplica) coordinator(tr Transport, opts ...CoordinatorOption) *Coordinator {
	return New(tr, r.store, r.engine, opts...)
}

// memPeer is an in-memory relay holding one file.
type memPeer struct {
	mu       sync.Mutex
	messages map[crdt.Timestamp]wire.Message
	trie     *merkle.Trie
	calls    int
}

func newMemPeer() *memPeer {
	return &memPeer{messages: make(map[crdt.Timestamp]wire.Message), trie: merkle.New()}
}

func (p *memPeer) Exchange(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	since, err := req.SinceTimestamp()
	if err != nil {
		return nil, err
	}
	for _, wm := range req.Messages {
		m, err := wm.Decode()
		if err != nil {
			continue
		}
		ts := m.Timestamp
		if _, ok := p.messages[ts]; !ok {
			p.messages[ts] = wm
			p.trie = p.trie.Insert(ts)
		}
	}

	var newer []crdt.Timestamp
	for ts := range p.messages {
		if ts.After(since) {
			newer = append(newer, ts)
		}
	}
	sort.Slice(newer, func(i, j int) bool { return newer[i].Before(newer[j]) })

	resp := &wire.Response{Messages: make([]wire.Message, 0, len(newer)), Merkle: p.trie.Snapshot(false)}
	for _, ts := range newer {
		resp.Messages = append(resp.Messages, p.messages[ts])
	}
	return resp, nil
}

// transportFunc adapts a function to Transport.
type transportFunc func(ctx context.Context, req *wire.Request) (*wire.Response, error)

func (f transportFunc) Exchange(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return f(ctx, req)
}
