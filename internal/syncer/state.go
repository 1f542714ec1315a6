package syncer

import (
	"fmt"

	"github.com/roach88/crdtsync/internal/crdt"
)

// Phase is where a FullSync attempt stands.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSyncing
	PhaseConverged
	PhaseOutOfSync
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSyncing:
		return "syncing"
	case PhaseConverged:
		return "converged"
	case PhaseOutOfSync:
		return "out_of_sync"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further round follows.
func (p Phase) Terminal() bool {
	return p == PhaseConverged || p == PhaseOutOfSync || p == PhaseAborted
}

// Limits bound a FullSync attempt.
type Limits struct {
	// MaxRounds is the total number of exchanges before giving up.
	MaxRounds int

	// MaxRepeats is the number of consecutive rounds reporting the same
	// divergence point before giving up.
	MaxRepeats int
}

// DefaultLimits are the bounds used when none are configured.
var DefaultLimits = Limits{MaxRounds: 100, MaxRepeats: 10}

// State is the progress of one FullSync attempt.
type State struct {
	Phase Phase

	// Since is the cursor sent with the next exchange.
	Since crdt.Timestamp

	// Rounds counts completed exchanges.
	Rounds int

	// LastDiff is the divergence point reported by the previous round.
	LastDiff crdt.Timestamp

	// Repeats counts consecutive rounds that reported LastDiff.
	Repeats int
}

// Observation is what one completed exchange found.
type Observation struct {
	// IdentityChanged is set when the session switched file or group, or
	// closed, while the exchange was in flight.
	IdentityChanged bool

	// Converged is set when the peer's trie hash equals the local one.
	Converged bool

	// Diff is the start of the earliest differing bucket when not converged.
	Diff crdt.Timestamp
}

// Start returns the state of an attempt that will first exchange from since.
func Start(since crdt.Timestamp) State {
	return State{Phase: PhaseSyncing, Since: since}
}

// Step folds one exchange into s. It is pure: the coordinator performs the
// I/O and Step decides what comes next.
func Step(s State, obs Observation, lim Limits) State {
	if s.Phase.Terminal() {
		return s
	}
	s.Rounds++

	switch {
	case obs.IdentityChanged:
		s.Phase = PhaseAborted
		return s
	case obs.Converged:
		s.Phase = PhaseConverged
		return s
	}

	if s.Repeats > 0 && obs.Diff == s.LastDiff {
		s.Repeats++
	} else {
		s.Repeats = 1
	}
	s.LastDiff = obs.Diff
	if obs.Diff.Before(s.Since) {
		s.Since = obs.Diff
	}

	if (lim.MaxRepeats > 0 && s.Repeats >= lim.MaxRepeats) ||
		(lim.MaxRounds > 0 && s.Rounds >= lim.MaxRounds) {
		s.Phase = PhaseOutOfSync
		return s
	}
	s.Phase = PhaseSyncing
	return s
}
