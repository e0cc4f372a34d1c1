package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_GoldenScenarios(t *testing.T) {
	for _, name := range []string{"shout", "external", "resume"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Journal(t *testing.T) {
	result, err := Run(loadScenario(t, "journal"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, EventError, result.Trace[0].Type)
	assert.Equal(t, "READ_ONLY", result.Trace[0].Code)
}

func TestRun_Deterministic(t *testing.T) {
	s := loadScenario(t, "shout")
	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}).Canonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}).Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_FailuresAreReported(t *testing.T) {
	s := loadScenario(t, "shout")

	t.Run("wrong assertion", func(t *testing.T) {
		bad := *s
		bad.Assertions = []Assertion{{Type: AssertVersion, Count: 9}}
		result, err := Run(&bad)
		require.NoError(t, err)
		assert.False(t, result.Pass)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "Expected: 9")
	})

	t.Run("missing expected error", func(t *testing.T) {
		bad := *s
		bad.Steps = []Step{
			{Update: &UpdateStep{Collection: "users", Entries: []any{[]any{5, []any{"Eve"}}}}, ExpectError: "READ_ONLY"},
		}
		bad.Assertions = nil
		result, err := Run(&bad)
		require.NoError(t, err)
		assert.False(t, result.Pass)
		assert.Contains(t, result.Errors[0], "got success")
	})

	t.Run("unexpected error stops the run", func(t *testing.T) {
		bad := *s
		bad.Steps = []Step{
			{Update: &UpdateStep{Collection: "totals", Entries: []any{[]any{"a", []any{1}}}}},
			{Instantiate: &InstantiateStep{ID: "r1", Resource: "shout"}},
		}
		bad.Assertions = nil
		result, err := Run(&bad)
		require.NoError(t, err)
		assert.False(t, result.Pass)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "steps[0]: unexpected error")
	})
}

func TestRun_InvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(def, []byte(`resources: r: from: "missing"`), 0o644))

	_, err := Run(&Scenario{Name: "bad", Definition: def, Steps: []Step{{Close: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid definition")
}
