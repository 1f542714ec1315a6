package engine

import (
	"context"

	"github.com/roach88/crdtsync/internal/crdt"
)

// Edit is a local change to one field.
type Edit struct {
	Dataset string
	Row     string
	Column  string
	Value   crdt.Scalar
}

// Mutate stamps each edit with the local clock and applies them as one batch.
// Unlike remote messages, an invalid local edit rejects the whole call with a
// MALFORMED_MESSAGE error before anything is applied.
func (e *Engine) Mutate(ctx context.Context, sc *SyncContext, edits []Edit) (*Result, error) {
	msgs, err := Stamp(sc, edits)
	if err != nil {
		return nil, err
	}
	return e.Apply(ctx, sc, msgs)
}

// Stamp turns edits into messages carrying fresh local timestamps. A nil
// value becomes Null.
func Stamp(sc *SyncContext, edits []Edit) ([]crdt.Message, error) {
	if sc.Closed() {
		return nil, ErrContextClosed
	}

	clock := sc.Clock()
	msgs := make([]crdt.Message, len(edits))
	for i, ed := range edits {
		value := ed.Value
		if value == nil {
			value = crdt.Null{}
		}
		msgs[i] = crdt.Message{
			Dataset:   ed.Dataset,
			Row:       ed.Row,
			Column:    ed.Column,
			Timestamp: clock.Now(),
			Value:     value,
		}
		if err := msgs[i].Validate(); err != nil {
			return nil, NewMalformedError(err)
		}
	}
	return msgs, nil
}
