// Package session owns one open replica database: its store, its apply
// engine and the SyncContext holding the clock, trie, identity and mode.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/metrics"
	"github.com/roach88/crdtsync/internal/store"
	"github.com/roach88/crdtsync/internal/syncer"
)

// Options configure Open. Zero values fall back to what the database
// already holds, then to fresh defaults.
type Options struct {
	// Path of the SQLite database.
	Path string

	// ReplicaID is used only when the database has none yet.
	ReplicaID string

	// FileID and GroupID override the stored sync identity when set.
	FileID  string
	GroupID string

	// Mode overrides the stored sync mode when set.
	Mode engine.Mode

	MaxDrift         time.Duration
	Wall             crdt.WallClock
	ExcludedDatasets []string
	Metrics          *metrics.Metrics
	Undo             engine.UndoObserver
	Recalc           engine.RecalcObserver
}

// Session is an open replica database.
//
// Local edits and received messages are applied by the engine's Run loop,
// one batch at a time in submission order.
type Session struct {
	store   *store.Store
	engine  *engine.Engine
	applier *engine.Queued
	sc      *engine.SyncContext
	wall    crdt.WallClock
	loop    errgroup.Group
}

// Open opens (creating if needed) the database at opts.Path and restores
// its clock and trie. A replica whose trie does not account for every
// logged message (left behind by disabled mode) is rebuilt when it opens
// in enabled mode.
func Open(ctx context.Context, opts Options) (*Session, error) {
	st, err := store.Open(opts.Path)
	if err != nil {
		return nil, err
	}

	s, err := open(ctx, st, opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, st *store.Store, opts Options) (*Session, error) {
	replica, err := metaOrDefault(ctx, st, store.MetaReplicaID, "", func() string {
		if opts.ReplicaID != "" {
			return opts.ReplicaID
		}
		return crdt.NewReplicaID()
	})
	if err != nil {
		return nil, err
	}
	if !crdt.ValidNode(replica) {
		return nil, fmt.Errorf("open session: invalid replica id %q", replica)
	}

	fileID, err := metaOrDefault(ctx, st, store.MetaFileID, opts.FileID, uuid.NewString)
	if err != nil {
		return nil, err
	}
	groupID, err := metaOrDefault(ctx, st, store.MetaGroupID, opts.GroupID, uuid.NewString)
	if err != nil {
		return nil, err
	}
	modeText, err := metaOrDefault(ctx, st, store.MetaSyncMode, string(opts.Mode), func() string {
		return string(engine.ModeEnabled)
	})
	if err != nil {
		return nil, err
	}
	mode, err := engine.ParseMode(modeText)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	wall := opts.Wall
	if wall == nil {
		wall = crdt.SystemWall
	}
	clockOpts := []crdt.ClockOption{crdt.WithWallClock(wall)}
	if opts.MaxDrift > 0 {
		clockOpts = append(clockOpts, crdt.WithMaxDrift(opts.MaxDrift))
	}

	state, ok, err := st.ReadClock(ctx)
	if err != nil {
		return nil, err
	}
	clock := crdt.NewClock(replica, clockOpts...)
	trie := merkle.New()
	if ok {
		last := state.Timestamp
		last.Node = replica
		clock = crdt.RestoreClock(last, clockOpts...)
		if state.Merkle != nil {
			trie = state.Merkle
		}
	}

	// Messages logged outside enabled mode never reached the clock row.
	latest, err := st.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	clock.Receive(latest)

	engOpts := []engine.EngineOption{engine.WithMetrics(opts.Metrics)}
	if opts.ExcludedDatasets != nil {
		engOpts = append(engOpts, engine.WithExcludedDatasets(opts.ExcludedDatasets...))
	}
	if opts.Undo != nil {
		engOpts = append(engOpts, engine.WithUndoObserver(opts.Undo))
	}
	if opts.Recalc != nil {
		engOpts = append(engOpts, engine.WithRecalcObserver(opts.Recalc))
	}

	s := &Session{
		store:  st,
		engine: engine.New(st, engOpts...),
		sc:     engine.NewSyncContext(clock, trie, fileID, groupID, mode),
		wall:   wall,
	}

	if mode == engine.ModeEnabled {
		logged, err := st.CountMessages(ctx)
		if err != nil {
			return nil, err
		}
		if !ok || trie.Count() != logged {
			if _, err := s.engine.Rebuild(ctx, s.sc); err != nil {
				return nil, err
			}
		}
	}

	s.applier = s.engine.Queued()
	s.loop.Go(func() error {
		return s.engine.Run(context.Background())
	})

	slog.Info("session opened",
		"replica", replica,
		"file_id", fileID,
		"mode", mode,
		"messages", s.sc.Trie().Count(),
	)
	return s, nil
}

// metaOrDefault returns override if set (persisting it), otherwise the
// stored value, otherwise a persisted fallback.
func metaOrDefault(ctx context.Context, st *store.Store, key, override string, fallback func() string) (string, error) {
	if override != "" {
		if err := st.SetMeta(ctx, key, override); err != nil {
			return "", err
		}
		return override, nil
	}
	value, ok, err := st.GetMeta(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	value = fallback()
	if err := st.SetMeta(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

// ReplicaID returns the node id stamped on local edits.
func (s *Session) ReplicaID() string { return s.sc.Clock().Node() }

// Identity returns the current file/group binding.
func (s *Session) Identity() engine.Identity { return s.sc.Identity() }

// Mode returns the current sync mode.
func (s *Session) Mode() engine.Mode { return s.sc.Mode() }

// Context returns the session's SyncContext.
func (s *Session) Context() *engine.SyncContext { return s.sc }

// Engine returns the session's apply engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Applier returns the queued applier, for sync coordinators.
func (s *Session) Applier() *engine.Queued { return s.applier }

// Store returns the underlying store.
func (s *Session) Store() *store.Store { return s.store }

// Set applies local edits as one batch.
func (s *Session) Set(ctx context.Context, edits ...engine.Edit) (*engine.Result, error) {
	msgs, err := engine.Stamp(s.sc, edits)
	if err != nil {
		return nil, err
	}
	return s.applier.Apply(ctx, s.sc, msgs)
}

// Apply applies messages received from elsewhere.
func (s *Session) Apply(ctx context.Context, msgs []crdt.Message) (*engine.Result, error) {
	return s.applier.Apply(ctx, s.sc, msgs)
}

// Get returns the current values of a row.
func (s *Session) Get(ctx context.Context, dataset, row string) (crdt.Row, error) {
	return s.store.GetRow(ctx, dataset, row)
}

// Messages lists logged messages after since.
func (s *Session) Messages(ctx context.Context, since crdt.Timestamp, limit int) ([]crdt.Message, error) {
	return s.store.MessagesSince(ctx, since, limit)
}

// SetMode switches and persists the sync mode. Returning to enabled mode
// rebuilds the trie from the log.
func (s *Session) SetMode(ctx context.Context, mode engine.Mode) error {
	if err := s.store.SetMeta(ctx, store.MetaSyncMode, string(mode)); err != nil {
		return err
	}
	prev := s.sc.SetMode(mode)
	slog.Info("sync mode changed", "from", prev, "to", mode)

	if mode == engine.ModeEnabled && prev != engine.ModeEnabled {
		if _, err := s.engine.Rebuild(ctx, s.sc); err != nil {
			return err
		}
	}
	return nil
}

// SwitchFile binds the replica to another file/group. In-flight syncs stop
// after their current round trip and the sync cursor restarts from zero.
func (s *Session) SwitchFile(ctx context.Context, fileID, groupID string) error {
	if fileID == "" || groupID == "" {
		return errors.New("switch file: file and group ids are required")
	}
	s.sc.Rebind(fileID, groupID)
	if err := s.store.SetMeta(ctx, store.MetaFileID, fileID); err != nil {
		return err
	}
	if err := s.store.SetMeta(ctx, store.MetaGroupID, groupID); err != nil {
		return err
	}
	return s.store.SetSyncCursor(ctx, crdt.Zero)
}

// Sync runs one FullSync. After convergence, trie buckets older than
// pruneHorizon are collapsed; zero disables pruning.
func (s *Session) Sync(ctx context.Context, coord *syncer.Coordinator, pruneHorizon time.Duration) (*syncer.Report, error) {
	report, err := coord.FullSync(ctx, s.sc)
	if err != nil {
		return report, err
	}
	if report.Phase == syncer.PhaseConverged && pruneHorizon > 0 {
		horizon := time.UnixMilli(s.wall()).Add(-pruneHorizon)
		if _, err := s.engine.Prune(ctx, s.sc, horizon); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Rebuild recomputes the trie from the log.
func (s *Session) Rebuild(ctx context.Context) (*merkle.Trie, error) {
	return s.engine.Rebuild(ctx, s.sc)
}

// Verify compares the trie with the log.
func (s *Session) Verify(ctx context.Context) (engine.VerifyReport, error) {
	return s.engine.Verify(ctx, s.sc)
}

// Close applies what is still queued, invalidates the SyncContext and
// closes the database.
func (s *Session) Close() error {
	s.engine.Stop()
	if err := s.loop.Wait(); err != nil {
		slog.Warn("apply loop stopped with error", "error", err)
	}
	s.sc.Invalidate()
	return s.store.Close()
}
