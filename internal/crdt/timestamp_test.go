package crdt

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_StringAndParse(t *testing.T) {
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 0x2A, Node: "0123456789ABCDEF"}

	s := ts.String()
	assert.Equal(t, "2023-11-14T22:13:20.123Z-002A-0123456789ABCDEF", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, ts, parsed)
}

func TestTimestamp_ZeroText(t *testing.T) {
	assert.Equal(t, "1970-01-01T00:00:00.000Z-0000-0000000000000000", Zero.String())
	assert.True(t, Zero.IsZero())
}

func TestParse_Rejects(t *testing.T) {
	bad := []string{
		"",
		"2023-11-14T22:13:20.123Z-002A-0123456789abcdef",  // lower-case node
		"2023-11-14T22:13:20.123Z-002a-0123456789ABCDEF",  // lower-case counter
		"2023-11-14T22:13:20.123Z-002A-0123456789ABCDE",   // short node
		"2023-11-14T22:13:20.123Z_002A_0123456789ABCDEF",  // wrong separators
		"2023-11-14 22:13:20.123Z-002A-0123456789ABCDEF",  // wrong layout
		"2023-11-14T22:13:20.123Z-00ZZ-0123456789ABCDEF",  // bad hex
		"2023-02-30T22:13:20.123Z-0000-0123456789ABCDEF",  // bad date
		"2023-11-14T22:13:20.123Z-0000-0123456789ABCDEF0", // too long
	}
	for _, s := range bad {
		_, err := Parse(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestTimestamp_TextOrderMatchesCompare(t *testing.T) {
	stamps := []Timestamp{
		{Millis: 5, Counter: 0, Node: "00000000000000B2"},
		{Millis: 5, Counter: 0, Node: "00000000000000A1"},
		{Millis: 4, Counter: 0xFFFF, Node: "FFFFFFFFFFFFFFFE"},
		{Millis: 60_000, Counter: 1, Node: "00000000000000A1"},
		{Millis: 5, Counter: 1, Node: "00000000000000A1"},
		{Millis: MaxMillis, Counter: 0, Node: "00000000000000A1"},
	}

	byCompare := append([]Timestamp(nil), stamps...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Before(byCompare[j]) })

	texts := make([]string, len(stamps))
	for i, ts := range stamps {
		texts[i] = ts.String()
	}
	sort.Strings(texts)

	for i := range byCompare {
		assert.Equal(t, byCompare[i].String(), texts[i])
	}
}

func TestTimestamp_Compare(t *testing.T) {
	a := Timestamp{Millis: 10, Counter: 1, Node: "00000000000000A1"}
	b := Timestamp{Millis: 10, Counter: 1, Node: "00000000000000B2"}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
}

func TestTimestamp_Validate(t *testing.T) {
	assert.NoError(t, Timestamp{Millis: 0, Node: MinNode}.Validate())
	assert.Error(t, Timestamp{Millis: -1, Node: MinNode}.Validate())
	assert.Error(t, Timestamp{Millis: MaxMillis + 1, Node: MinNode}.Validate())
	assert.Error(t, Timestamp{Millis: 1, Node: "xyz"}.Validate())
}

func TestNewReplicaID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewReplicaID()
		require.True(t, ValidNode(id), "invalid id %q", id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestMaxTimestamp(t *testing.T) {
	assert.Equal(t, Zero, MaxTimestamp())

	a := Timestamp{Millis: 1, Node: "00000000000000A1"}
	b := Timestamp{Millis: 2, Node: "00000000000000A1"}
	assert.Equal(t, b, MaxTimestamp(a, b, a))
}
