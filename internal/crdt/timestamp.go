package crdt

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxCounter is the largest logical counter value. Overflow escalates the
	// millis component by one.
	MaxCounter = 0xFFFF

	// NodeLength is the fixed length of a replica id (upper-case hex).
	NodeLength = 16

	// MaxMillis is the last millisecond of year 9999, the largest instant the
	// text form can carry.
	MaxMillis int64 = 253402300799999

	// MinNode and MaxNode bound replica ids. They are used as range sentinels
	// and are never issued by NewReplicaID.
	MinNode = "0000000000000000"
	MaxNode = "FFFFFFFFFFFFFFFF"

	timeLayout = "2006-01-02T15:04:05.000Z"
	textLength = len(timeLayout) + 1 + 4 + 1 + NodeLength
)

// Timestamp is a hybrid logical clock reading.
//
// Timestamps are totally ordered by Millis, then Counter, then Node. Two
// replicas never issue equal timestamps because their Node differs.
type Timestamp struct {
	Millis  int64
	Counter uint16
	Node    string
}

// Zero is the smallest valid timestamp. It is the "since" cursor of a replica
// that has never synced.
var Zero = Timestamp{Node: MinNode}

// String returns the canonical text form:
//
//	2006-01-02T15:04:05.000Z-CCCC-NNNNNNNNNNNNNNNN
//
// Every component is fixed-width, so comparing two texts byte-wise gives the
// same answer as Compare.
func (t Timestamp) String() string {
	return fmt.Sprintf("%s-%04X-%s",
		time.UnixMilli(t.Millis).UTC().Format(timeLayout),
		t.Counter,
		t.Node,
	)
}

// Time returns the wall-clock part as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.Millis).UTC()
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Millis < o.Millis:
		return -1
	case t.Millis > o.Millis:
		return 1
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	}
	return strings.Compare(t.Node, o.Node)
}

// Before reports whether t orders strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// After reports whether t orders strictly after o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

// IsZero reports whether t is the zero value or Zero.
func (t Timestamp) IsZero() bool {
	return t.Millis == 0 && t.Counter == 0 && (t.Node == "" || t.Node == MinNode)
}

// Validate checks that t can be represented in the canonical text form.
func (t Timestamp) Validate() error {
	if t.Millis < 0 || t.Millis > MaxMillis {
		return fmt.Errorf("timestamp millis out of range: %d", t.Millis)
	}
	if !ValidNode(t.Node) {
		return fmt.Errorf("invalid replica id %q: want %d upper-case hex digits", t.Node, NodeLength)
	}
	return nil
}

// Parse decodes the canonical text form produced by String.
// Any other spelling, including lower-case hex, is rejected so that parsed
// timestamps always round-trip byte-exactly.
func Parse(s string) (Timestamp, error) {
	if len(s) != textLength {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: bad length %d", s, len(s))
	}
	p := len(timeLayout)
	if s[p] != '-' || s[p+5] != '-' {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: missing separator", s)
	}

	wall, err := time.Parse(timeLayout, s[:p])
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(s[p+1:p+5], 16, 16)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: counter: %w", s, err)
	}

	ts := Timestamp{
		Millis:  wall.UnixMilli(),
		Counter: uint16(counter),
		Node:    s[p+6:],
	}
	if err := ts.Validate(); err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	if ts.String() != s {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: not in canonical form", s)
	}
	return ts, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with literals known to be valid.
func MustParse(s string) Timestamp {
	ts, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// ValidNode reports whether node is a well-formed replica id.
func ValidNode(node string) bool {
	if len(node) != NodeLength {
		return false
	}
	for i := 0; i < len(node); i++ {
		c := node[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// NewReplicaID returns a random replica id derived from a v4 UUID.
func NewReplicaID() string {
	for {
		u := uuid.New()
		id := strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))[NodeLength:]
		if id != MinNode && id != MaxNode {
			return id
		}
	}
}

// MaxTimestamp returns the greatest of the given timestamps, or Zero.
func MaxTimestamp(ts ...Timestamp) Timestamp {
	best := Zero
	for _, t := range ts {
		if t.After(best) {
			best = t
		}
	}
	return best
}
