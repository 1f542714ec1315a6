package harness

// TraceEvent records one executed step and what it produced.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Replica string `json:"replica"`
	Action  string `json:"action"`

	// Applied is the number of messages a set step logged.
	Applied int `json:"applied,omitempty"`

	// Phase is the outcome of a sync step.
	Phase string `json:"phase,omitempty"`

	// Mode is the new mode of a mode step.
	Mode string `json:"mode,omitempty"`

	// FileID is the new binding of a switch_file step.
	FileID string `json:"file_id,omitempty"`

	// Wall is the wall clock reading after an advance step.
	Wall int64 `json:"wall,omitempty"`

	// Error is set when the step failed.
	Error string `json:"error,omitempty"`
}

// ReplicaState is the final materialized state of one replica.
type ReplicaState struct {
	// Rows maps dataset → row → column → value.
	Rows map[string]map[string]map[string]any `json:"rows"`

	// Messages is the number of logged messages.
	Messages int64 `json:"messages"`

	// Hash is the trie hash. It is excluded from snapshots.
	Hash uint64 `json:"-"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as expected and all assertions held.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final state of each replica, keyed by replica name.
	State map[string]ReplicaState `json:"state"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ReplicaState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event, numbering it.
func (r *Result) AddTrace(event TraceEvent) {
	event.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, event)
}
