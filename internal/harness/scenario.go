package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/syncer"
)

// Scenario represents a multi-replica convergence test case.
// Scenarios are defined in YAML files and run against real replica
// databases syncing through an in-process relay.
type Scenario struct {
	// Name is a unique identifier for this scenario.
	// Used for golden file naming and test output.
	Name string `yaml:"name"`

	// Description explains what behavior this scenario validates.
	Description string `yaml:"description"`

	// FileID and GroupID bind every replica to the same synced file.
	// Both default when empty.
	FileID  string `yaml:"file_id,omitempty"`
	GroupID string `yaml:"group_id,omitempty"`

	// Replicas are opened before the first step, in order.
	Replicas []Replica `yaml:"replicas"`

	// Steps run sequentially.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after all steps have run.
	Assertions []Assertion `yaml:"assertions"`
}

// Replica declares one participating replica.
type Replica struct {
	// Name is how steps and assertions refer to the replica.
	Name string `yaml:"name"`

	// Start is the replica's initial wall clock reading in Unix millis.
	// The wall clock only moves on advance steps.
	Start int64 `yaml:"start"`

	// Mode is the sync mode at open (default enabled).
	Mode string `yaml:"mode,omitempty"`
}

// Step is a single action taken by one replica.
type Step struct {
	Replica string `yaml:"replica"`
	Action  string `yaml:"action"`

	// set: one field, or several columns of the same row via Values.
	Dataset string         `yaml:"dataset,omitempty"`
	Row     string         `yaml:"row,omitempty"`
	Column  string         `yaml:"column,omitempty"`
	Value   any            `yaml:"value,omitempty"`
	Values  map[string]any `yaml:"values,omitempty"`

	// advance: milliseconds to move the wall clock (may be negative).
	Millis int64 `yaml:"millis,omitempty"`

	// mode: the new sync mode.
	Mode string `yaml:"mode,omitempty"`

	// switch_file: the new binding.
	FileID  string `yaml:"file_id,omitempty"`
	GroupID string `yaml:"group_id,omitempty"`

	// sync: the expected outcome phase (default converged).
	Expect string `yaml:"expect,omitempty"`
}

// Assertion is a check against the final replica state.
type Assertion struct {
	// Type is the assertion type (see Assert* constants).
	Type string `yaml:"type"`

	// Replica names the replica checked by row, message_count and verified.
	Replica string `yaml:"replica,omitempty"`

	// Replicas lists the replicas compared by converged.
	Replicas []string `yaml:"replicas,omitempty"`

	// Dataset and Row select the row checked by row.
	Dataset string `yaml:"dataset,omitempty"`
	Row     string `yaml:"row,omitempty"`

	// Expect holds the expected column values (subset match).
	// A null expectation also matches an absent column.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Action filters trace_count.
	Action string `yaml:"action,omitempty"`

	// Count is the expected count for message_count and trace_count.
	Count int `yaml:"count"`
}

// Step actions.
const (
	StepSet        = "set"
	StepAdvance    = "advance"
	StepSync       = "sync"
	StepMode       = "mode"
	StepSwitchFile = "switch_file"
)

// Assertion types.
const (
	AssertRow          = "row"
	AssertConverged    = "converged"
	AssertMessageCount = "message_count"
	AssertTraceCount   = "trace_count"
	AssertVerified     = "verified"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, r.Name)
		}
		if r.Mode != "" {
			if _, err := engine.ParseMode(r.Mode); err != nil {
				return fmt.Errorf("replicas[%d]: %w", i, err)
			}
		}
		names[r.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, names); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, names); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, step *Step, names map[string]bool) error {
	if !names[step.Replica] {
		return fmt.Errorf("steps[%d]: unknown replica %q", index, step.Replica)
	}

	switch step.Action {
	case StepSet:
		if step.Dataset == "" || step.Row == "" {
			return fmt.Errorf("steps[%d]: dataset and row are required for set", index)
		}
		if step.Column == "" && len(step.Values) == 0 {
			return fmt.Errorf("steps[%d]: column or values is required for set", index)
		}
		if step.Column != "" && len(step.Values) > 0 {
			return fmt.Errorf("steps[%d]: column and values are mutually exclusive", index)
		}
	case StepAdvance:
		if step.Millis == 0 {
			return fmt.Errorf("steps[%d]: millis is required for advance", index)
		}
	case StepMode:
		if _, err := engine.ParseMode(step.Mode); err != nil || step.Mode == "" {
			return fmt.Errorf("steps[%d]: invalid mode %q", index, step.Mode)
		}
	case StepSwitchFile:
		if step.FileID == "" || step.GroupID == "" {
			return fmt.Errorf("steps[%d]: file_id and group_id are required for switch_file", index)
		}
	case StepSync:
		if step.Expect != "" && !validPhase(step.Expect) {
			return fmt.Errorf("steps[%d]: unknown sync outcome %q", index, step.Expect)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

// validPhase reports whether s names a sync outcome a step can expect.
func validPhase(s string) bool {
	switch s {
	case syncer.PhaseConverged.String(), syncer.PhaseOutOfSync.String(),
		syncer.PhaseAborted.String(), phaseDisabled:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, names map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRow:
		if !names[a.Replica] {
			return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
		}
		if a.Dataset == "" || a.Row == "" {
			return fmt.Errorf("assertions[%d]: dataset and row are required for row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertConverged:
		if len(a.Replicas) < 2 {
			return fmt.Errorf("assertions[%d]: at least two replicas are required for converged", index)
		}
		for _, name := range a.Replicas {
			if !names[name] {
				return fmt.Errorf("assertions[%d]: unknown replica %q", index, name)
			}
		}
	case AssertMessageCount, AssertVerified:
		if !names[a.Replica] {
			return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Replica != "" && !names[a.Replica] {
			return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
