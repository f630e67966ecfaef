package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/scheduler"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

func writeTiersConfig(t *testing.T, configDir string) {
	t.Helper()
	tiersDir := filepath.Join(configDir, "tiers")
	require.NoError(t, os.MkdirAll(tiersDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tiersDir, "tiers.yaml"), []byte(`
tiers:
  T0:
    name: baseline
  T1:
    name: tools
  T2:
    name: delegation
  T3:
    name: full
`), 0o644))
}

func TestBuildExperimentActions_FullSequence(t *testing.T) {
	requireGit(t)

	upstream := initUpstream(t)
	experimentDir := t.TempDir()
	configDir := t.TempDir()
	writeTiersConfig(t, configDir)

	loader, err := tierconfig.NewLoader(configDir)
	require.NoError(t, err)

	ws := workspace.New(experimentDir)
	c := checkpoint.New("exp-1", experimentDir)

	gates := scheduler.NewGates(scheduler.DefaultLimits())
	limits := scheduler.Limits{ParallelSubtests: 2}

	spec := ExperimentSpec{
		ExperimentDir: experimentDir,
		RepoURL:       upstream,
		TierIDs:       []string{"T0"},
		SubtestsFor: func(tier string) []string {
			return []string{"00", "01"}
		},
		RunsPerTest: 1,
		Loader:      loader,
		Checkpoint:  c,
		Save:        func() error { return nil },
		Gates:       gates,
		Limits:      limits,
		Workspace:   ws,
		NewAgent: func(tier, subtest string, run int) Invoker {
			return fakeInvoker{stdout: []byte(`{"is_error": false, "result": "done"}`)}
		},
		NewJudge: func(tier, subtest string, run int) Invoker {
			return fakeInvoker{stdout: []byte(`{"passed": true, "score": 1, "grade": "A"}`)}
		},
		Renderer: runresult.MarkdownRenderer{},
	}

	actions := BuildExperimentActions(spec)
	machine := &statemachine.ExperimentMachine{Checkpoint: c, Save: func() error { return nil }}

	final, err := machine.AdvanceToCompletion(context.Background(), actions, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ExpComplete, final)

	assert.Equal(t, checkpoint.TierComplete, c.GetTierState("T0"))
	assert.Equal(t, checkpoint.SubtestAggregated, c.GetSubtestState("T0", "00"))
	assert.Equal(t, checkpoint.SubtestAggregated, c.GetSubtestState("T0", "01"))

	status, ok := c.GetRunStatus("T0", "00", 1)
	require.True(t, ok)
	assert.Equal(t, "passed", status)
}
