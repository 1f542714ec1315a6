package engine

// # Replay and Idempotency
//
// Idempotency is STRUCTURAL, not a special "replay mode". The same Apply path
// handles first delivery and every redelivery:
//
//  1. The log's primary key is the timestamp, so AppendMessage of a logged
//     message is a no-op, and partition() routes it to "already seen" before
//     any row is touched.
//  2. Leaves of the trie hold a digest set, so re-inserting a timestamp leaves
//     the hash unchanged.
//  3. Field writes only happen for a message newer than every logged message
//     of that field, so the row state is a function of the log alone.
//
// Rebuild replays the log into a fresh trie. It is the repair path after an
// OUT_OF_SYNC error and runs whenever a replica re-enables sync after
// logging messages without trie bookkeeping.

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/store"
)

// Rebuild recomputes the trie from every logged timestamp, persists it with
// the clock row and installs it in sc.
func (e *Engine) Rebuild(ctx context.Context, sc *SyncContext) (*merkle.Trie, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sc.Closed() {
		return nil, ErrContextClosed
	}

	var (
		next   *merkle.Trie
		newest crdt.Timestamp
	)
	err := e.storage.Transaction(ctx, func(tx store.Tx) error {
		var err error
		next, newest, err = replayLog(ctx, tx)
		if err != nil {
			return err
		}
		last := crdt.Advance(sc.Clock().Last(), newest, 0)
		return tx.WriteClock(ctx, store.ClockState{Timestamp: last, Merkle: next})
	})
	if err != nil {
		return nil, NewStorageError(err)
	}

	sc.SetTrie(next)
	sc.Clock().Receive(newest)

	slog.Info("trie rebuilt from log",
		"messages", next.Count(),
		"hash", next.Hash(),
	)
	return next, nil
}

// VerifyReport compares the live trie with one replayed from the log.
type VerifyReport struct {
	TrieHash  uint64
	TrieCount int64
	LogHash   uint64
	LogCount  int64
}

// OK reports whether the live trie summarizes exactly the logged timestamps.
func (r VerifyReport) OK() bool {
	return r.TrieHash == r.LogHash && r.TrieCount == r.LogCount
}

// Verify replays the log into a scratch trie without writing anything.
func (e *Engine) Verify(ctx context.Context, sc *SyncContext) (VerifyReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := sc.Trie()
	var replayed *merkle.Trie
	err := e.storage.Transaction(ctx, func(tx store.Tx) error {
		var err error
		replayed, _, err = replayLog(ctx, tx)
		return err
	})
	if err != nil {
		return VerifyReport{}, NewStorageError(err)
	}

	return VerifyReport{
		TrieHash:  live.Hash(),
		TrieCount: live.Count(),
		LogHash:   replayed.Hash(),
		LogCount:  replayed.Count(),
	}, nil
}

// Prune collapses trie buckets older than horizon and persists the result.
// Hashes do not change, so a pruned replica still diffs equal to its peers.
func (e *Engine) Prune(ctx context.Context, sc *SyncContext, horizon time.Time) (*merkle.Trie, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sc.Closed() {
		return nil, ErrContextClosed
	}
	if !sc.Mode().tracksTrie() {
		return sc.Trie(), nil
	}

	cur := sc.Trie()
	next := cur.Prune(crdt.Timestamp{Millis: horizon.UnixMilli(), Node: crdt.MinNode})
	if next == cur {
		return cur, nil
	}

	err := e.storage.Transaction(ctx, func(tx store.Tx) error {
		return tx.WriteClock(ctx, store.ClockState{Timestamp: sc.Clock().Last(), Merkle: next})
	})
	if err != nil {
		return nil, NewStorageError(err)
	}
	sc.SetTrie(next)
	return next, nil
}

func replayLog(ctx context.Context, tx store.Tx) (*merkle.Trie, crdt.Timestamp, error) {
	next := merkle.New()
	newest := crdt.Zero
	err := tx.ScanTimestamps(ctx, func(ts crdt.Timestamp) error {
		next = next.Insert(ts)
		newest = ts
		return nil
	})
	return next, newest, err
}
