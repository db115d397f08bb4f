package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioGoldens runs every scenario under testdata/scenarios and
// compares its trace against testdata/golden/<name>.golden.
//
// To regenerate golden files:
//
//	go test ./internal/harness -run TestScenarioGoldens -update
func TestScenarioGoldens(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario %s failed:\n%v", scenario.Name, result.Errors)
		})
	}
}

func TestRunWithGolden_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/run_reset.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.States, second.States)
}

func TestTraceSnapshot_Marshal(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "tiny",
		Trace:        sampleTrace()[:1],
	}
	data, err := snap.marshal()
	require.NoError(t, err)
	assert.Equal(t, `{
  "scenario_name": "tiny",
  "trace": [
    {
      "seq": 2,
      "run_id": "r-1",
      "kind": "connect",
      "session": 0
    }
  ]
}
`, string(data))
}
