// Package wire defines the msgpack envelope exchanged between a replica and
// its sync peer.
//
// Messages travel in text form: the timestamp as its canonical string and the
// value in the tagged scalar encoding used by the log. Decoding a message is
// where malformed peer input is detected; such messages are dropped and
// counted, never fatal to the exchange.
package wire

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
)

// ContentType is the media type of every request and response body.
const ContentType = "application/msgpack"

// Message is one log entry on the wire.
type Message struct {
	Timestamp string `msgpack:"timestamp"`
	Dataset   string `msgpack:"dataset"`
	Row       string `msgpack:"row"`
	Column    string `msgpack:"column"`
	Value     string `msgpack:"value"`
}

// Request is sent by a replica: everything it logged after Since.
type Request struct {
	GroupID  string    `msgpack:"group_id"`
	FileID   string    `msgpack:"file_id"`
	Since    string    `msgpack:"since"`
	Messages []Message `msgpack:"messages"`
}

// Response carries the peer's messages newer than the request's Since and
// the peer's trie, without leaf digests.
type Response struct {
	Messages []Message        `msgpack:"messages"`
	Merkle   *merkle.Snapshot `msgpack:"merkle"`
}

// FromMessage converts a log entry to its wire form.
func FromMessage(m crdt.Message) Message {
	return Message{
		Timestamp: m.Timestamp.String(),
		Dataset:   m.Dataset,
		Row:       m.Row,
		Column:    m.Column,
		Value:     crdt.EncodeScalar(m.Value),
	}
}

// FromMessages converts a batch. The result is never nil.
func FromMessages(msgs []crdt.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = FromMessage(m)
	}
	return out
}

// Decode parses the wire form. Errors wrap crdt.ErrMalformed.
func (m Message) Decode() (crdt.Message, error) {
	ts, err := crdt.Parse(m.Timestamp)
	if err != nil {
		return crdt.Message{}, fmt.Errorf("%w: %v", crdt.ErrMalformed, err)
	}
	v, err := crdt.DecodeScalar(m.Value)
	if err != nil {
		return crdt.Message{}, fmt.Errorf("%w: %v", crdt.ErrMalformed, err)
	}
	out := crdt.Message{
		Dataset:   m.Dataset,
		Row:       m.Row,
		Column:    m.Column,
		Timestamp: ts,
		Value:     v,
	}
	if err := out.Validate(); err != nil {
		return crdt.Message{}, err
	}
	return out, nil
}

// DecodeMessages parses a batch, dropping and counting malformed entries.
func DecodeMessages(msgs []Message) ([]crdt.Message, int) {
	out := make([]crdt.Message, 0, len(msgs))
	dropped := 0
	for _, wm := range msgs {
		m, err := wm.Decode()
		if err != nil {
			dropped++
			slog.Warn("dropping malformed wire message",
				"timestamp", wm.Timestamp,
				"dataset", wm.Dataset,
				"error", err,
			)
			continue
		}
		out = append(out, m)
	}
	return out, dropped
}

// SinceTimestamp parses Since. An empty string means the beginning of time.
func (r *Request) SinceTimestamp() (crdt.Timestamp, error) {
	if r.Since == "" {
		return crdt.Zero, nil
	}
	ts, err := crdt.Parse(r.Since)
	if err != nil {
		return crdt.Timestamp{}, fmt.Errorf("since: %w", err)
	}
	return ts, nil
}

// Validate checks the fields a peer needs before touching its storage.
func (r *Request) Validate() error {
	if r.GroupID == "" {
		return fmt.Errorf("request: empty group_id")
	}
	if r.FileID == "" {
		return fmt.Errorf("request: empty file_id")
	}
	if _, err := r.SinceTimestamp(); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return nil
}

// Trie rebuilds the peer's trie from the response snapshot.
func (r *Response) Trie() (*merkle.Trie, error) {
	t, err := merkle.FromSnapshot(r.Merkle)
	if err != nil {
		return nil, fmt.Errorf("response merkle: %w", err)
	}
	return t, nil
}

// Encode writes v as msgpack.
func Encode(w io.Writer, v any) error {
	if err := msgpack.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return nil
}

// Decode reads one msgpack value from r into v.
func Decode(r io.Reader, v any) error {
	if err := msgpack.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// Marshal returns the msgpack encoding of v.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
