package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/testutil"
)

func testMessage(millis int64, value crdt.Scalar) crdt.Message {
	return crdt.Message{
		Dataset:   "transactions",
		Row:       "tx1",
		Column:    "amount",
		Timestamp: crdt.Timestamp{Millis: millis, Counter: 3, Node: testutil.ReplicaID(1)},
		Value:     value,
	}
}

func TestMessage_TextForm(t *testing.T) {
	wm := FromMessage(testMessage(1_700_000_000_000, crdt.Number(12.5)))
	assert.Equal(t, "2023-11-14T22:13:20.000Z-0003-00000000000000A1", wm.Timestamp)
	assert.Equal(t, "N:12.5", wm.Value)
}

func TestRequest_EncodeDecode(t *testing.T) {
	msgs := []crdt.Message{
		testMessage(10, crdt.String("shop")),
		testMessage(11, crdt.Bool(true)),
		testMessage(12, crdt.Null{}),
	}
	req := &Request{
		GroupID:  "group",
		FileID:   "file",
		Since:    crdt.Zero.String(),
		Messages: FromMessages(msgs),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, req))

	var got Request
	require.NoError(t, Decode(&buf, &got))
	require.NoError(t, got.Validate())

	decoded, dropped := DecodeMessages(got.Messages)
	assert.Zero(t, dropped)
	assert.Equal(t, msgs, decoded)
}

func TestDecodeMessages_DropsMalformed(t *testing.T) {
	good := FromMessage(testMessage(10, crdt.Number(1)))

	badTS := good
	badTS.Timestamp = "yesterday"
	badValue := good
	badValue.Value = "X:1"
	noRow := good
	noRow.Row = ""

	decoded, dropped := DecodeMessages([]Message{badTS, good, badValue, noRow})
	assert.Equal(t, 3, dropped)
	require.Len(t, decoded, 1)

	_, err := badValue.Decode()
	assert.True(t, errors.Is(err, crdt.ErrMalformed))
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"complete", Request{GroupID: "g", FileID: "f"}, true},
		{"no group", Request{FileID: "f"}, false},
		{"no file", Request{GroupID: "g"}, false},
		{"bad since", Request{GroupID: "g", FileID: "f", Since: "nope"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	since, err := (&Request{}).SinceTimestamp()
	require.NoError(t, err)
	assert.Equal(t, crdt.Zero, since)
}

func TestResponse_TrieSurvivesWire(t *testing.T) {
	trie := merkle.New().
		Insert(testMessage(60_000, nil).Timestamp).
		Insert(testMessage(3_600_000, nil).Timestamp)

	data, err := Marshal(&Response{Merkle: trie.Snapshot(false)})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, Unmarshal(data, &resp))
	got, err := resp.Trie()
	require.NoError(t, err)

	assert.Equal(t, trie.Hash(), got.Hash())
	assert.Equal(t, trie.Count(), got.Count())
	_, differ := merkle.Diff(trie, got)
	assert.False(t, differ)
}

func TestResponse_EmptyTrie(t *testing.T) {
	data, err := Marshal(&Response{})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, Unmarshal(data, &resp))
	got, err := resp.Trie()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Hash())
}
