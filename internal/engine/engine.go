package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/metrics"
	"github.com/roach88/crdtsync/internal/store"
)

// Storage is the transactional row store the engine writes through.
// Implemented by *store.Store.
type Storage interface {
	Transaction(ctx context.Context, fn func(store.Tx) error) error
}

// UndoObserver receives every successfully applied batch together with the
// values its rows held before the batch. Observers must treat both as
// read-only.
type UndoObserver interface {
	MessagesApplied(ctx context.Context, applied []crdt.Message, before map[crdt.RowKey]crdt.Row)
}

// RecalcObserver receives the rows changed by a batch, grouped by dataset.
type RecalcObserver interface {
	RowsChanged(ctx context.Context, changed map[string][]string)
}

// DefaultExcludedDatasets are applied normally but never reported to the
// RecalcObserver.
var DefaultExcludedDatasets = []string{"preferences"}

// Engine is the single-writer apply engine.
//
// Apply is the one atomic entry point for changing replica state. Calls are
// serialized by a mutex, and Submit/Run offer a FIFO queue in front of it,
// so a batch's log appends, field writes, trie fold and clock update never
// interleave with another batch.
type Engine struct {
	mu       sync.Mutex
	storage  Storage
	undo     UndoObserver
	recalc   RecalcObserver
	excluded map[string]bool
	metrics  *metrics.Metrics
	queue    *batchQueue
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithUndoObserver registers the undo collaborator.
func WithUndoObserver(o UndoObserver) EngineOption {
	return func(e *Engine) {
		e.undo = o
	}
}

// WithRecalcObserver registers the recalculation collaborator.
func WithRecalcObserver(o RecalcObserver) EngineOption {
	return func(e *Engine) {
		e.recalc = o
	}
}

// WithExcludedDatasets replaces the datasets hidden from the recalculation
// observer.
func WithExcludedDatasets(datasets ...string) EngineOption {
	return func(e *Engine) {
		e.excluded = make(map[string]bool, len(datasets))
		for _, d := range datasets {
			e.excluded[d] = true
		}
	}
}

// WithMetrics records apply metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine writing through storage.
func New(storage Storage, opts ...EngineOption) *Engine {
	e := &Engine{
		storage: storage,
		queue:   newBatchQueue(),
	}
	WithExcludedDatasets(DefaultExcludedDatasets...)(e)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RowChange holds a row before and after a batch.
type RowChange struct {
	Old crdt.Row
	New crdt.Row
}

// Result describes one applied batch.
type Result struct {
	// Applied lists the messages newly added to the log, in timestamp order.
	Applied []crdt.Message

	// AlreadySeen counts messages whose timestamp was already logged or
	// repeated within the batch.
	AlreadySeen int

	// Malformed counts messages dropped by validation.
	Malformed int

	// Changes maps every row with at least one written field to its old and
	// new values.
	Changes map[crdt.RowKey]RowChange

	// Before holds the pre-batch values of every row touched by Applied,
	// including rows whose messages all lost to newer logged writes.
	Before map[crdt.RowKey]crdt.Row

	// Hash is the trie hash after the batch.
	Hash uint64
}

// ChangedRows groups changed row ids by dataset, sorted.
func (r *Result) ChangedRows() map[string][]string {
	out := make(map[string][]string)
	for key := range r.Changes {
		out[key.Dataset] = append(out[key.Dataset], key.Row)
	}
	for _, rows := range out {
		sort.Strings(rows)
	}
	return out
}

// MaxTimestamp returns the newest applied timestamp, or crdt.Zero.
func (r *Result) MaxTimestamp() crdt.Timestamp {
	if len(r.Applied) == 0 {
		return crdt.Zero
	}
	return r.Applied[len(r.Applied)-1].Timestamp
}

// Apply resolves and persists a batch of messages.
//
// Malformed messages are dropped and counted. Messages whose timestamp is
// already logged do not touch row state. For each field the newest message
// wins, and is written only if it is newer than everything already logged
// for that field. Log appends, field writes and (in ModeEnabled) the new
// clock row commit in one storage transaction. Only after a successful
// commit is the new trie installed, the clock advanced and the observers
// notified.
//
// A storage failure aborts the whole batch and is returned as a
// STORAGE_TRANSACTION SyncError wrapping the original error.
func (e *Engine) Apply(ctx context.Context, sc *SyncContext, batch []crdt.Message) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sc.Closed() {
		return nil, ErrContextClosed
	}

	start := time.Now()
	valid, malformed := validateBatch(batch)
	mode := sc.Mode()

	var (
		res *Result
		err error
	)
	if !mode.logsMessages() {
		res, err = e.applyImport(ctx, valid)
	} else {
		res, err = e.applyLogged(ctx, sc, mode, valid)
	}
	if err != nil {
		e.metrics.RecordApplyFailure()
		slog.Error("apply aborted",
			"mode", mode,
			"batch", len(batch),
			"error", err,
		)
		return nil, NewStorageError(err)
	}
	res.Malformed = malformed

	e.metrics.RecordApply(time.Since(start).Seconds(), len(res.Applied), res.AlreadySeen, res.Malformed)
	slog.Debug("apply batch",
		"mode", mode,
		"applied", len(res.Applied),
		"already_seen", res.AlreadySeen,
		"malformed", res.Malformed,
		"changed_rows", len(res.Changes),
	)

	e.notify(ctx, mode, res)
	return res, nil
}

func (e *Engine) applyLogged(ctx context.Context, sc *SyncContext, mode Mode, valid []crdt.Message) (*Result, error) {
	clock := sc.Clock()
	res := &Result{Changes: make(map[crdt.RowKey]RowChange)}
	var next *merkle.Trie

	err := e.storage.Transaction(ctx, func(tx store.Tx) error {
		fresh, seen, err := partition(ctx, tx, valid)
		if err != nil {
			return err
		}
		res.AlreadySeen = len(seen)
		crdt.SortByTimestamp(fresh)

		winners, err := resolveWinners(ctx, tx, fresh)
		if err != nil {
			return err
		}

		// Pre-images are read before any write.
		res.Before = make(map[crdt.RowKey]crdt.Row)
		for _, m := range fresh {
			key := m.RowKey()
			if _, ok := res.Before[key]; ok {
				continue
			}
			row, err := tx.GetRow(ctx, key.Dataset, key.Row)
			if err != nil {
				return err
			}
			res.Before[key] = row
		}

		for _, m := range winners {
			if err := tx.SetField(ctx, m.Dataset, m.Row, m.Column, m.Value); err != nil {
				return err
			}
			key := m.RowKey()
			change, ok := res.Changes[key]
			if !ok {
				change = RowChange{Old: res.Before[key], New: res.Before[key].Clone()}
			}
			change.New[m.Column] = m.Value
			res.Changes[key] = change
		}

		for _, m := range fresh {
			if _, err := tx.AppendMessage(ctx, m); err != nil {
				return err
			}
		}
		res.Applied = fresh

		if !mode.tracksTrie() {
			return nil
		}

		next = sc.Trie()
		for _, m := range fresh {
			next = next.Insert(m.Timestamp)
		}
		for _, ts := range seen {
			// Re-folding is a no-op for live buckets; under a summary the
			// timestamp is already counted.
			if !next.Collapsed(ts) {
				next = next.Insert(ts)
			}
		}

		// The row only has to order after every logged timestamp; the wall
		// clock is read again on restore.
		last := clock.Last()
		if len(fresh) > 0 {
			last = crdt.Advance(last, res.MaxTimestamp(), 0)
		}
		return tx.WriteClock(ctx, store.ClockState{Timestamp: last, Merkle: next})
	})
	if err != nil {
		return nil, err
	}

	if mode.tracksTrie() {
		sc.SetTrie(next)
		if len(res.Applied) > 0 {
			clock.Receive(res.MaxTimestamp())
		}
	}
	res.Hash = sc.Trie().Hash()
	return res, nil
}

// applyImport writes the newest value per field and nothing else.
func (e *Engine) applyImport(ctx context.Context, valid []crdt.Message) (*Result, error) {
	msgs := append([]crdt.Message(nil), valid...)
	crdt.SortByTimestamp(msgs)

	last := make(map[crdt.FieldKey]crdt.Message, len(msgs))
	for _, m := range msgs {
		last[m.FieldKey()] = m
	}
	winners := sortedWinners(last)

	res := &Result{Changes: make(map[crdt.RowKey]RowChange)}
	err := e.storage.Transaction(ctx, func(tx store.Tx) error {
		for _, m := range winners {
			key := m.RowKey()
			change, ok := res.Changes[key]
			if !ok {
				row, err := tx.GetRow(ctx, key.Dataset, key.Row)
				if err != nil {
					return err
				}
				change = RowChange{Old: row, New: row.Clone()}
			}
			if err := tx.SetField(ctx, m.Dataset, m.Row, m.Column, m.Value); err != nil {
				return err
			}
			change.New[m.Column] = m.Value
			res.Changes[key] = change
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Applied = msgs
	return res, nil
}

// notify hands the batch to the collaborators. Imports are not recorded for
// undo.
func (e *Engine) notify(ctx context.Context, mode Mode, res *Result) {
	if e.undo != nil && mode != ModeImport && len(res.Applied) > 0 {
		e.undo.MessagesApplied(ctx, res.Applied, res.Before)
	}

	if e.recalc == nil {
		return
	}
	changed := res.ChangedRows()
	for dataset := range changed {
		if e.excluded[dataset] {
			delete(changed, dataset)
		}
	}
	if len(changed) > 0 {
		e.recalc.RowsChanged(ctx, changed)
	}
}

// validateBatch drops messages that cannot be applied.
func validateBatch(batch []crdt.Message) ([]crdt.Message, int) {
	valid := make([]crdt.Message, 0, len(batch))
	malformed := 0
	for _, m := range batch {
		if err := m.Validate(); err != nil {
			malformed++
			slog.Warn("dropping malformed message",
				"timestamp", m.Timestamp.String(),
				"dataset", m.Dataset,
				"error", err,
			)
			continue
		}
		valid = append(valid, m)
	}
	return valid, malformed
}

// partition splits messages into those not yet logged and the timestamps of
// those already logged (or repeated within the batch).
func partition(ctx context.Context, tx store.Tx, msgs []crdt.Message) ([]crdt.Message, []crdt.Timestamp, error) {
	fresh := make([]crdt.Message, 0, len(msgs))
	var seen []crdt.Timestamp
	inBatch := make(map[crdt.Timestamp]bool, len(msgs))

	for _, m := range msgs {
		if inBatch[m.Timestamp] {
			seen = append(seen, m.Timestamp)
			continue
		}
		inBatch[m.Timestamp] = true

		logged, err := tx.HasMessage(ctx, m.Timestamp)
		if err != nil {
			return nil, nil, err
		}
		if logged {
			seen = append(seen, m.Timestamp)
			continue
		}
		fresh = append(fresh, m)
	}
	return fresh, seen, nil
}

// resolveWinners picks the last message per field from a sorted batch and
// keeps it only if it is newer than the field's newest logged message.
func resolveWinners(ctx context.Context, tx store.Tx, sorted []crdt.Message) ([]crdt.Message, error) {
	last := make(map[crdt.FieldKey]crdt.Message)
	for _, m := range sorted {
		last[m.FieldKey()] = m
	}

	for key, m := range last {
		logged, ok, err := tx.LatestFieldTimestamp(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("resolve %s/%s.%s: %w", key.Dataset, key.Row, key.Column, err)
		}
		if ok && !m.Timestamp.After(logged) {
			delete(last, key)
		}
	}
	return sortedWinners(last), nil
}

func sortedWinners(last map[crdt.FieldKey]crdt.Message) []crdt.Message {
	out := make([]crdt.Message, 0, len(last))
	for _, m := range last {
		out = append(out, m)
	}
	crdt.SortByTimestamp(out)
	return out
}
