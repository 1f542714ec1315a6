package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every example scenario passes and matches its golden snapshot.
func TestExampleScenarios_Golden(t *testing.T) {
	paths, err := ScenarioFiles("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "file name matches scenario name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "scenarios", "golden", "file_isolation.golden"),
		GoldenPath(filepath.Join("testdata", "scenarios", "file_isolation.yaml")))
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	r := resultWithState()

	first, err := MarshalSnapshot("x", r)
	require.NoError(t, err)
	second, err := MarshalSnapshot("x", r)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(string(first), "}\n"))
	assert.NotContains(t, string(first), "42", "trie hash is not part of the snapshot")
}
