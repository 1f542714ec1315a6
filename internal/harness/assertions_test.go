package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultWithState() *Result {
	r := NewResult()
	r.AddTrace(TraceEvent{Replica: "alice", Action: StepSet, Applied: 2})
	r.AddTrace(TraceEvent{Replica: "alice", Action: StepSync, Phase: "converged"})
	r.AddTrace(TraceEvent{Replica: "bob", Action: StepSync, Phase: "converged"})

	rows := map[string]map[string]map[string]any{
		"transactions": {"tx1": {"amount": float64(5), "payee": "Grocer", "cleared": true, "notes": nil}},
	}
	r.State["alice"] = ReplicaState{Rows: rows, Messages: 4, Hash: 42}
	r.State["bob"] = ReplicaState{Rows: rows, Messages: 4, Hash: 42}
	r.State["carol"] = ReplicaState{Rows: map[string]map[string]map[string]any{}, Messages: 0}
	return r
}

func TestAssertRow(t *testing.T) {
	r := resultWithState()
	base := Assertion{Type: AssertRow, Replica: "alice", Dataset: "transactions", Row: "tx1"}

	tests := []struct {
		name   string
		expect map[string]any
		pass   bool
	}{
		{"subset match", map[string]any{"amount": 5}, true},
		{"all kinds", map[string]any{"amount": 5.0, "payee": "Grocer", "cleared": true, "notes": nil}, true},
		{"absent column is null", map[string]any{"category": nil}, true},
		{"wrong value", map[string]any{"amount": 6}, false},
		{"wrong kind", map[string]any{"amount": "5"}, false},
		{"missing column", map[string]any{"category": "food"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			a.Expect = tt.expect
			err := assertRow(r, a)
			if tt.pass {
				assert.NoError(t, err)
			} else {
				var ae *AssertionError
				require.True(t, errors.As(err, &ae))
				assert.Equal(t, AssertRow, ae.Type)
			}
		})
	}
}

func TestAssertConverged(t *testing.T) {
	r := resultWithState()

	assert.NoError(t, assertConverged(r, Assertion{Replicas: []string{"alice", "bob"}}))
	assert.Error(t, assertConverged(r, Assertion{Replicas: []string{"alice", "carol"}}))

	bob := r.State["bob"]
	bob.Hash = 7
	r.State["bob"] = bob
	err := assertConverged(r, Assertion{Replicas: []string{"alice", "bob"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equal trie hashes")
}

func TestAssertMessageCount(t *testing.T) {
	r := resultWithState()
	assert.NoError(t, assertMessageCount(r, Assertion{Replica: "alice", Count: 4}))
	assert.Error(t, assertMessageCount(r, Assertion{Replica: "alice", Count: 3}))
	assert.NoError(t, assertMessageCount(r, Assertion{Replica: "carol", Count: 0}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := resultWithState().Trace

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: StepSync, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: StepSync, Replica: "bob", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: StepAdvance, Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: StepSet, Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 1 times")
}

func TestEvaluateAssertions(t *testing.T) {
	r := resultWithState()
	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertMessageCount, Replica: "alice", Count: 4},
		{Type: AssertMessageCount, Replica: "alice", Count: 1},
		{Type: AssertVerified, Replica: "alice"},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "assertions[1]")
	assert.Contains(t, errs[1], "requires live replicas")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertRow,
		Expected: "amount = 5",
		Actual:   "6",
		Trace: []TraceEvent{
			{Seq: 1, Replica: "alice", Action: StepSet, Applied: 1},
			{Seq: 2, Replica: "alice", Action: StepAdvance, Wall: 1000},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: row")
	assert.Contains(t, msg, "Expected: amount = 5")
	assert.Contains(t, msg, "Actual: 6")
	assert.Contains(t, msg, "[1] alice set applied=1")
	assert.Contains(t, msg, "[2] alice advance wall=1000")
}
