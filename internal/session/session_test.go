package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/store"
	"github.com/roach88/crdtsync/internal/syncer"
	"github.com/roach88/crdtsync/internal/testutil"
	"github.com/roach88/crdtsync/internal/wire"
)

func openTestSession(t *testing.T, path string, wall *testutil.ManualClock, opts Options) *Session {
	t.Helper()
	opts.Path = path
	opts.Wall = wall.Now
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return s
}

func edit(row, column string, value crdt.Scalar) engine.Edit {
	return engine.Edit{Dataset: "transactions", Row: row, Column: column, Value: value}
}

func TestOpen_AssignsIdentityOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.db")
	wall := testutil.NewManualClock(1_700_000_000_000)

	s := openTestSession(t, path, wall, Options{ReplicaID: testutil.ReplicaID(1)})
	id := s.Identity()
	assert.Equal(t, testutil.ReplicaID(1), s.ReplicaID())
	assert.NotEmpty(t, id.FileID)
	assert.NotEmpty(t, id.GroupID)
	assert.Equal(t, engine.ModeEnabled, s.Mode())
	require.NoError(t, s.Close())

	s = openTestSession(t, path, wall, Options{ReplicaID: testutil.ReplicaID(2)})
	defer s.Close()
	assert.Equal(t, testutil.ReplicaID(1), s.ReplicaID(), "stored replica id wins")
	assert.Equal(t, id.FileID, s.Identity().FileID)
	assert.Equal(t, id.GroupID, s.Identity().GroupID)
}

func TestOpen_RejectsBadReplicaID(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Path:      filepath.Join(t.TempDir(), "budget.db"),
		ReplicaID: "not-hex",
	})
	assert.Error(t, err)
}

func TestOpen_RestoresClockAndTrie(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")
	wall := testutil.NewManualClock(1_700_000_000_000)

	s := openTestSession(t, path, wall, Options{ReplicaID: testutil.ReplicaID(1)})
	res, err := s.Set(ctx, edit("tx1", "amount", crdt.Number(5)), edit("tx1", "payee", crdt.String("bakery")))
	require.NoError(t, err)
	hash := s.Context().Trie().Hash()
	last := res.MaxTimestamp()
	require.NoError(t, s.Close())

	// wall clock behind the stored clock: local timestamps still move forward
	wall.Set(1_600_000_000_000)
	s = openTestSession(t, path, wall, Options{})
	defer s.Close()

	assert.Equal(t, hash, s.Context().Trie().Hash())
	res, err = s.Set(ctx, edit("tx1", "amount", crdt.Number(6)))
	require.NoError(t, err)
	assert.True(t, res.Applied[0].Timestamp.After(last))

	row, err := s.Get(ctx, "transactions", "tx1")
	require.NoError(t, err)
	assert.Equal(t, crdt.Row{"amount": crdt.Number(6), "payee": crdt.String("bakery")}, row)
}

func TestSetMode_ReenablingRebuildsTrie(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{ReplicaID: testutil.ReplicaID(1)})
	defer s.Close()

	require.NoError(t, s.SetMode(ctx, engine.ModeDisabled))
	_, err := s.Set(ctx, edit("tx1", "amount", crdt.Number(1)), edit("tx2", "amount", crdt.Number(2)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Context().Trie().Count())

	require.NoError(t, s.SetMode(ctx, engine.ModeEnabled))
	assert.Equal(t, int64(2), s.Context().Trie().Count())

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())

	mode, ok, err := s.Store().GetMeta(ctx, store.MetaSyncMode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "enabled", mode)
}

func TestOpen_EnabledModeRepairsStaleTrie(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")
	wall := testutil.NewManualClock(1_700_000_000_000)

	s := openTestSession(t, path, wall, Options{ReplicaID: testutil.ReplicaID(1), Mode: engine.ModeOffline})
	_, err := s.Set(ctx, edit("tx1", "amount", crdt.Number(1)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestSession(t, path, wall, Options{Mode: engine.ModeEnabled})
	defer s.Close()
	assert.Equal(t, int64(1), s.Context().Trie().Count())
}

func TestSwitchFile_ResetsCursorAndEpoch(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{ReplicaID: testutil.ReplicaID(1)})
	defer s.Close()

	require.NoError(t, s.Store().SetSyncCursor(ctx, crdt.Timestamp{Millis: 99, Node: testutil.ReplicaID(1)}))
	before := s.Identity()

	require.NoError(t, s.SwitchFile(ctx, "file-2", "group-2"))
	after := s.Identity()
	assert.Equal(t, "file-2", after.FileID)
	assert.Greater(t, after.Epoch, before.Epoch)

	cursor, err := s.Store().SyncCursor(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	assert.Error(t, s.SwitchFile(ctx, "", "group"))
}

// echoPeer answers every exchange as a relay holding exactly what it was
// sent so far.
type echoPeer struct {
	sent []wire.Message
}

func (p *echoPeer) Exchange(_ context.Context, req *wire.Request) (*wire.Response, error) {
	p.sent = append(p.sent, req.Messages...)
	msgs, _ := wire.DecodeMessages(p.sent)
	trie := crdtTrie(msgs)
	return &wire.Response{Messages: []wire.Message{}, Merkle: trie.Snapshot(false)}, nil
}

func TestSync_PrunesAfterConvergence(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{ReplicaID: testutil.ReplicaID(1)})
	defer s.Close()

	res, err := s.Set(ctx, edit("tx1", "amount", crdt.Number(1)))
	require.NoError(t, err)
	old := res.Applied[0].Timestamp
	hash := s.Context().Trie().Hash()

	wall.Advance(int64(48 * time.Hour / time.Millisecond))
	coord := syncer.New(&echoPeer{}, s.Store(), s.Applier())
	report, err := s.Sync(ctx, coord, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, syncer.PhaseConverged, report.Phase)

	assert.True(t, s.Context().Trie().Collapsed(old))
	assert.Equal(t, hash, s.Context().Trie().Hash())
}

func TestClose_InvalidatesContext(t *testing.T) {
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{})
	sc := s.Context()
	require.NoError(t, s.Close())

	_, err := s.Engine().Apply(context.Background(), sc, nil)
	assert.ErrorIs(t, err, engine.ErrContextClosed)
}
