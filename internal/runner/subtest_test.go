package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

// Stopping before the worktree transition keeps the whole batch on
// plain filesystem actions, so no git repo is needed here.
func TestBuildSubtestActions_UntilRunHaltsBatchInRunsInProgress(t *testing.T) {
	experimentDir := t.TempDir()
	c := checkpoint.New("exp-1", experimentDir)
	until := checkpoint.RunDirStructureCreated

	spec := SubtestSpec{
		Keys:       statemachine.SubtestKeys{Tier: "T0", Subtest: "00"},
		NumRuns:    2,
		TierCfg:    tierconfig.Config{TierID: "T0"},
		TaskPrompt: "fix the bug",
		UntilRun:   &until,
		Checkpoint: c,
		Save:       func() error { return nil },
		Workspace:  workspace.New(experimentDir),
		Renderer:   runresult.MarkdownRenderer{},
	}

	machine := &statemachine.SubtestMachine{Checkpoint: c, Save: func() error { return nil }}
	keys := spec.Keys
	actions := BuildSubtestActions(spec, experimentDir)

	final, err := machine.AdvanceToCompletion(context.Background(), keys, actions, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.SubtestRunsInProgress, final)
	assert.Equal(t, checkpoint.RunDirStructureCreated, c.GetRunState("T0", "00", 1))
	assert.Equal(t, checkpoint.RunDirStructureCreated, c.GetRunState("T0", "00", 2))

	// Re-running with the same --until must leave the subtest where it
	// is: the halt from RUNS_IN_PROGRESS never writes RUNS_COMPLETE and
	// the runs never move past the requested state.
	final, err = machine.AdvanceToCompletion(context.Background(), keys, BuildSubtestActions(spec, experimentDir), nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.SubtestRunsInProgress, final)
	assert.Equal(t, checkpoint.RunDirStructureCreated, c.GetRunState("T0", "00", 1))
}
