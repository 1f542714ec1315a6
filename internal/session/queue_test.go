package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/testutil"
)

func TestSet_ConcurrentEditsAreSerialized(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{ReplicaID: testutil.ReplicaID(1)})
	defer s.Close()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			_, err := s.Set(ctx, edit(fmt.Sprintf("tx%d", i), "amount", crdt.Number(float64(i))))
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.Store().CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
	assert.Equal(t, int64(20), s.Context().Trie().Count())

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestApply_GoesThroughQueue(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(1_700_000_000_000)
	s := openTestSession(t, filepath.Join(t.TempDir(), "budget.db"), wall, Options{ReplicaID: testutil.ReplicaID(1)})

	remote := crdt.Message{
		Dataset:   "transactions",
		Row:       "tx1",
		Column:    "amount",
		Timestamp: crdt.Timestamp{Millis: 1_700_000_000_500, Node: testutil.ReplicaID(2)},
		Value:     crdt.Number(7),
	}
	res, err := s.Apply(ctx, []crdt.Message{remote})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	require.NoError(t, s.Close())

	_, err = s.Set(ctx, edit("tx2", "amount", crdt.Number(1)))
	assert.ErrorIs(t, err, engine.ErrContextClosed)
	_, err = s.Applier().Apply(ctx, s.Context(), []crdt.Message{remote})
	assert.ErrorIs(t, err, engine.ErrContextClosed)
}
