package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
)

// ClockState is the persisted clock of a replica: the last timestamp the
// replica issued or received and the Merkle trie of its whole log.
type ClockState struct {
	Timestamp crdt.Timestamp
	Merkle    *merkle.Trie
}

type clockJSON struct {
	Timestamp string       `json:"timestamp"`
	Merkle    *merkle.Trie `json:"merkle"`
}

// marshalClock converts a ClockState to JSON TEXT for storage.
func marshalClock(state ClockState) (string, error) {
	trie := state.Merkle
	if trie == nil {
		trie = merkle.New()
	}
	data, err := json.Marshal(clockJSON{
		Timestamp: state.Timestamp.String(),
		Merkle:    trie,
	})
	if err != nil {
		return "", fmt.Errorf("marshal clock: %w", err)
	}
	return string(data), nil
}

// unmarshalClock parses JSON TEXT into a ClockState.
// The trie is validated structurally on the way in.
func unmarshalClock(data string) (ClockState, error) {
	var raw clockJSON
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return ClockState{}, fmt.Errorf("unmarshal clock: %w", err)
	}
	ts, err := crdt.Parse(raw.Timestamp)
	if err != nil {
		return ClockState{}, fmt.Errorf("unmarshal clock: %w", err)
	}
	if raw.Merkle == nil {
		raw.Merkle = merkle.New()
	}
	return ClockState{Timestamp: ts, Merkle: raw.Merkle}, nil
}
