package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one replica, one edit"
replicas:
  - name: alice
    start: 1700000000000
steps:
  - replica: alice
    action: set
    dataset: transactions
    row: tx1
    column: amount
    value: 10
assertions:
  - type: message_count
    replica: alice
    count: 1
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Replicas, 1)
	assert.Equal(t, int64(1700000000000), s.Replicas[0].Start)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, StepSet, s.Steps[0].Action)
	assert.Equal(t, 10, s.Steps[0].Value)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertMessageCount, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "name: [unterminated",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown field",
			yaml:    minimalScenario + "assertion: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: `
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: sync}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: "name is required",
		},
		{
			name: "missing replicas",
			yaml: `
name: n
description: d
steps: [{replica: a, action: sync}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: "replicas list is required",
		},
		{
			name: "duplicate replica",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}, {name: a, start: 2}]
steps: [{replica: a, action: sync}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: "duplicate name",
		},
		{
			name: "unknown step replica",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: b, action: sync}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: `unknown replica "b"`,
		},
		{
			name: "unknown action",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: delete}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: `unknown action "delete"`,
		},
		{
			name: "set without column",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: set, dataset: t, row: r}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: "column or values is required",
		},
		{
			name: "bad mode",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: mode, mode: paused}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: `invalid mode "paused"`,
		},
		{
			name: "bad sync outcome",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: sync, expect: done}]
assertions: [{type: message_count, replica: a, count: 0}]
`,
			wantErr: `unknown sync outcome "done"`,
		},
		{
			name: "converged needs two",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: sync}]
assertions: [{type: converged, replicas: [a]}]
`,
			wantErr: "at least two replicas",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
replicas: [{name: a, start: 1}]
steps: [{replica: a, action: sync}]
assertions: [{type: final_state}]
`,
			wantErr: `unknown assertion type "final_state"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_ExampleScenarios(t *testing.T) {
	paths, err := ScenarioFiles("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Description)
		})
	}
}
