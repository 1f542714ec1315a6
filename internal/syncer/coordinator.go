package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/metrics"
	"github.com/roach88/crdtsync/internal/wire"
)

// ErrSyncDisabled is returned by FullSync when the session is not in
// engine.ModeEnabled.
var ErrSyncDisabled = errors.New("sync disabled")

// DefaultRoundTimeout bounds a single exchange.
const DefaultRoundTimeout = 30 * time.Second

// Transport performs one request/response exchange with the sync peer.
type Transport interface {
	Exchange(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Log is the read side of the local mutation log plus the sync cursor.
type Log interface {
	MessagesSince(ctx context.Context, since crdt.Timestamp, limit int) ([]crdt.Message, error)
	SyncCursor(ctx context.Context) (crdt.Timestamp, error)
	SetSyncCursor(ctx context.Context, ts crdt.Timestamp) error
}

// Applier applies peer messages. *engine.Engine and *engine.Queued implement it.
type Applier interface {
	Apply(ctx context.Context, sc *engine.SyncContext, batch []crdt.Message) (*engine.Result, error)
}

// Report summarizes one FullSync attempt.
type Report struct {
	Phase     Phase
	Rounds    int
	Sent      int
	Received  int
	Applied   int
	Malformed int
	Hash      uint64
}

// Coordinator runs the bounded multi-round sync protocol.
type Coordinator struct {
	transport    Transport
	log          Log
	applier      Applier
	limits       Limits
	roundTimeout time.Duration
	metrics      *metrics.Metrics
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) CoordinatorOption {
	return func(c *Coordinator) {
		c.limits = l
	}
}

// WithRoundTimeout overrides DefaultRoundTimeout.
func WithRoundTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.roundTimeout = d
		}
	}
}

// WithMetrics records sync outcomes.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator.
func New(transport Transport, log Log, applier Applier, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		transport:    transport,
		log:          log,
		applier:      applier,
		limits:       DefaultLimits,
		roundTimeout: DefaultRoundTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FullSync exchanges messages with the peer until both tries hash equal.
//
// Each round sends every logged message after the cursor, applies what the
// peer returns and diffs the peer's trie against the local one. On a
// mismatch the cursor moves back to the divergence point. The attempt gives
// up with an OUT_OF_SYNC error once the limits are reached.
//
// If the session switches file or group (or closes) during an exchange, the
// attempt stops after that round trip with PhaseAborted and no error.
// Network failures and timeouts are TRANSIENT; nothing local is mutated by a
// failed exchange.
func (c *Coordinator) FullSync(ctx context.Context, sc *engine.SyncContext) (*Report, error) {
	if sc.Mode() != engine.ModeEnabled {
		return nil, ErrSyncDisabled
	}

	identity := sc.Identity()
	cursor, err := c.log.SyncCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("full sync: %w", err)
	}
	snapshot := sc.Clock().Last()

	report := &Report{}
	state := Start(cursor)
	slog.Info("sync starting",
		"file_id", identity.FileID,
		"since", cursor.String(),
	)

	for !state.Phase.Terminal() {
		obs, err := c.round(ctx, sc, identity, state.Since, report)
		if err != nil {
			c.finish(report, state, "error")
			return report, err
		}
		state = Step(state, obs, c.limits)
		slog.Debug("sync round",
			"round", state.Rounds,
			"phase", state.Phase,
			"since", state.Since.String(),
			"repeats", state.Repeats,
		)
	}
	c.finish(report, state, state.Phase.String())

	switch state.Phase {
	case PhaseAborted:
		slog.Info("sync aborted: session identity changed", "rounds", state.Rounds)
		return report, nil
	case PhaseOutOfSync:
		slog.Error("sync gave up",
			"rounds", state.Rounds,
			"repeats", state.Repeats,
			"diff", state.LastDiff.String(),
		)
		return report, engine.NewOutOfSyncError("replicas did not converge", map[string]string{
			"rounds":  strconv.Itoa(state.Rounds),
			"repeats": strconv.Itoa(state.Repeats),
			"diff":    state.LastDiff.String(),
		})
	}

	if err := c.log.SetSyncCursor(ctx, snapshot); err != nil {
		return report, fmt.Errorf("full sync: %w", err)
	}
	slog.Info("sync converged",
		"rounds", report.Rounds,
		"sent", report.Sent,
		"received", report.Received,
	)
	return report, nil
}

// round performs one exchange and reports what it found.
func (c *Coordinator) round(ctx context.Context, sc *engine.SyncContext, identity engine.Identity, since crdt.Timestamp, report *Report) (Observation, error) {
	local, err := c.log.MessagesSince(ctx, since, 0)
	if err != nil {
		return Observation{}, fmt.Errorf("read log: %w", err)
	}

	req := &wire.Request{
		GroupID:  identity.GroupID,
		FileID:   identity.FileID,
		Since:    since.String(),
		Messages: wire.FromMessages(local),
	}

	roundCtx, cancel := context.WithTimeout(ctx, c.roundTimeout)
	resp, err := c.transport.Exchange(roundCtx, req)
	cancel()
	if err != nil {
		var se *engine.SyncError
		if errors.As(err, &se) {
			return Observation{}, err
		}
		return Observation{}, engine.NewTransientError("exchange failed", err)
	}
	report.Sent += len(local)

	if changed(sc, identity) {
		return Observation{IdentityChanged: true}, nil
	}

	peerTrie, err := resp.Trie()
	if err != nil {
		return Observation{}, engine.NewTransientError("peer sent an invalid trie", err)
	}

	msgs, dropped := wire.DecodeMessages(resp.Messages)
	report.Received += len(resp.Messages)
	report.Malformed += dropped
	if len(msgs) > 0 {
		res, err := c.applier.Apply(ctx, sc, msgs)
		if err != nil {
			return Observation{}, err
		}
		report.Applied += len(res.Applied)
		report.Malformed += res.Malformed
	}

	localTrie := sc.Trie()
	report.Hash = localTrie.Hash()
	diff, differ := merkle.Diff(peerTrie, localTrie)
	return Observation{Converged: !differ, Diff: diff}, nil
}

func (c *Coordinator) finish(report *Report, state State, outcome string) {
	report.Phase = state.Phase
	report.Rounds = state.Rounds
	c.metrics.RecordSync(outcome, report.Rounds, report.Sent, report.Received)
}

func changed(sc *engine.SyncContext, identity engine.Identity) bool {
	return sc.Closed() || sc.Identity() != identity
}
