package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/session"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s%s\n", event.Seq, event.Replica, event.Action, describe(event))
		}
	}

	return buf.String()
}

// describe renders the outcome fields of an event.
func describe(e TraceEvent) string {
	var parts []string
	if e.Applied > 0 {
		parts = append(parts, fmt.Sprintf("applied=%d", e.Applied))
	}
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	if e.Mode != "" {
		parts = append(parts, "mode="+e.Mode)
	}
	if e.FileID != "" {
		parts = append(parts, "file="+e.FileID)
	}
	if e.Wall != 0 {
		parts = append(parts, fmt.Sprintf("wall=%d", e.Wall))
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// AssertionContext provides the live replicas for assertions that need
// more than the captured state.
type AssertionContext struct {
	Ctx      context.Context
	Sessions map[string]*session.Session
}

// assertRow checks a row's column values (subset semantics).
func assertRow(result *Result, assertion Assertion) error {
	state := result.State[assertion.Replica]
	actual := state.Rows[assertion.Dataset][assertion.Row]

	columns := make([]string, 0, len(assertion.Expect))
	for col := range assertion.Expect {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	for _, col := range columns {
		want, err := crdt.FromAny(assertion.Expect[col])
		if err != nil {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("%s.%s", assertion.Row, col),
				Actual:   fmt.Sprintf("unusable expected value: %v", err),
			}
		}

		got, present := actual[col]
		if !present {
			if _, isNull := want.(crdt.Null); isNull {
				continue
			}
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("%s: %s/%s.%s = %v", assertion.Replica, assertion.Dataset, assertion.Row, col, crdt.ToAny(want)),
				Actual:   "column not set",
				Trace:    result.Trace,
			}
		}

		gotScalar, err := crdt.FromAny(got)
		if err != nil || !crdt.Equal(gotScalar, want) {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("%s: %s/%s.%s = %v", assertion.Replica, assertion.Dataset, assertion.Row, col, crdt.ToAny(want)),
				Actual:   fmt.Sprintf("%v", got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertConverged checks that every named replica holds the same fields
// and the same trie hash.
func assertConverged(result *Result, assertion Assertion) error {
	first := assertion.Replicas[0]
	base := result.State[first]

	for _, name := range assertion.Replicas[1:] {
		other := result.State[name]
		if !reflect.DeepEqual(base.Rows, other.Rows) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s and %s hold the same rows", first, name),
				Actual:   fmt.Sprintf("%s: %v, %s: %v", first, base.Rows, name, other.Rows),
				Trace:    result.Trace,
			}
		}
		if base.Hash != other.Hash {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s and %s have equal trie hashes", first, name),
				Actual:   fmt.Sprintf("%s: %d, %s: %d", first, base.Hash, name, other.Hash),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertMessageCount checks the size of a replica's log.
func assertMessageCount(result *Result, assertion Assertion) error {
	got := result.State[assertion.Replica].Messages
	if got != int64(assertion.Count) {
		return &AssertionError{
			Type:     AssertMessageCount,
			Expected: fmt.Sprintf("%s logged %d messages", assertion.Replica, assertion.Count),
			Actual:   fmt.Sprintf("%d messages", got),
		}
	}
	return nil
}

// assertTraceCount checks how many steps with the given action ran,
// optionally restricted to one replica.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action != assertion.Action {
			continue
		}
		if assertion.Replica != "" && event.Replica != assertion.Replica {
			continue
		}
		count++
	}

	if count != assertion.Count {
		target := assertion.Action
		if assertion.Replica != "" {
			target = assertion.Replica + " " + assertion.Action
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s exactly %d times", target, assertion.Count),
			Actual:   fmt.Sprintf("found %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertVerified rebuilds a scratch trie from the replica's log and
// compares it with the live trie.
func assertVerified(actx *AssertionContext, assertion Assertion) error {
	s, ok := actx.Sessions[assertion.Replica]
	if !ok {
		return &AssertionError{
			Type:     AssertVerified,
			Expected: fmt.Sprintf("open replica %s", assertion.Replica),
			Actual:   "no such session",
		}
	}

	report, err := s.Verify(actx.Ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertVerified,
			Expected: "trie verification to run",
			Actual:   err.Error(),
		}
	}
	if !report.OK() {
		return &AssertionError{
			Type:     AssertVerified,
			Expected: fmt.Sprintf("%s trie matches its log", assertion.Replica),
			Actual: fmt.Sprintf("trie hash %d over %d messages, log hash %d over %d messages",
				report.TrieHash, report.TrieCount, report.LogHash, report.LogCount),
		}
	}
	return nil
}

// EvaluateAssertions checks all assertions and returns their failures.
// A nil actx fails assertions that need live replicas.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertRow:
			err = assertRow(result, assertion)
		case AssertConverged:
			err = assertConverged(result, assertion)
		case AssertMessageCount:
			err = assertMessageCount(result, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertVerified:
			if actx == nil {
				err = fmt.Errorf("verified assertion requires live replicas")
			} else {
				err = assertVerified(actx, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
