package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
)

func newTestCheckpoint() *checkpoint.Checkpoint {
	return checkpoint.New("exp-1", "/tmp/exp-1")
}

func noopSave() error { return nil }

func TestRunMachineAdvancesOneStep(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}

	newState, err := m.Advance(context.Background(), keys, RunActions{})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunDirStructureCreated, newState)
}

func TestRunMachineAdvanceToCompletionFullSequence(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}

	final, err := m.AdvanceToCompletion(context.Background(), keys, RunActions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunWorktreeCleaned, final)
	assert.True(t, final.IsTerminal())
}

func TestRunMachineUntilStateHalts(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}
	until := checkpoint.RunPromptWritten

	final, err := m.AdvanceToCompletion(context.Background(), keys, RunActions{}, &until)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunPromptWritten, final)
	assert.False(t, final.IsTerminal())
}

func TestRunMachineGenericFailureSetsFailed(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}
	boom := errors.New("agent subprocess exited 1")

	actions := RunActions{
		checkpoint.RunPromptWritten: func(ctx context.Context) error { return boom },
	}

	final, err := m.AdvanceToCompletion(context.Background(), keys, actions, nil)
	require.Error(t, err)
	assert.Equal(t, checkpoint.RunFailed, final)
	var actionErr *herrors.ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "run", actionErr.Level)
	assert.ErrorIs(t, err, boom)
}

func TestRunMachineRateLimitSetsRateLimited(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}
	rl := &herrors.RateLimitError{Source: "agent", RetryAfter: 66}

	actions := RunActions{
		checkpoint.RunPromptWritten: func(ctx context.Context) error { return rl },
	}

	final, err := m.AdvanceToCompletion(context.Background(), keys, actions, nil)
	require.Error(t, err)
	assert.Equal(t, checkpoint.RunRateLimited, final)
	assert.True(t, herrors.IsRateLimit(err))
}

func TestRunMachineShutdownLeavesStateUntouched(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}
	c.SetRunState(keys.Tier, keys.Subtest, keys.Run, checkpoint.RunPromptWritten)

	actions := RunActions{
		checkpoint.RunPromptWritten: func(ctx context.Context) error {
			return &herrors.ShutdownInterrupted{Stage: "agent run"}
		},
	}

	final, err := m.AdvanceToCompletion(context.Background(), keys, actions, nil)
	require.Error(t, err)
	assert.True(t, herrors.IsShutdown(err))
	assert.Equal(t, checkpoint.RunPromptWritten, final)
	assert.Equal(t, checkpoint.RunPromptWritten, m.GetState(keys))
}

func TestRunMachineMigratedMarkerStateRerunsInsteadOfFailing(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 1}

	// A v2.0 migration leaves "run_complete" in run_states, which is
	// not part of this schema's sequence. The lookup coerces it to
	// PENDING, so a resume that touches this run re-runs it from the
	// start rather than wedging on a missing transition and failing a
	// previously-passed run.
	c.RunStates = map[string]map[string]map[int]checkpoint.RunState{
		"t1": {"s1": {1: checkpoint.RunState("run_complete")}},
	}

	require.Equal(t, checkpoint.RunPending, m.GetState(keys))
	final, err := m.AdvanceToCompletion(context.Background(), keys, RunActions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunWorktreeCleaned, final)
}

func TestRunMachineTerminalStateIsIdempotent(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}
	c.SetRunState(keys.Tier, keys.Subtest, keys.Run, checkpoint.RunWorktreeCleaned)

	final, err := m.AdvanceToCompletion(context.Background(), keys, RunActions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunWorktreeCleaned, final)
}

type fakeGate struct {
	calls []checkpoint.MemoryClass
}

func (g *fakeGate) Acquire(ctx context.Context, class checkpoint.MemoryClass) (func(), error) {
	g.calls = append(g.calls, class)
	return func() {}, nil
}

func TestRunMachineGatesActionsByMemoryClass(t *testing.T) {
	c := newTestCheckpoint()
	gate := &fakeGate{}
	m := &RunMachine{Checkpoint: c, Save: noopSave, Gate: gate}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 0}

	sequence := checkpoint.RunStateSequence()
	actions := RunActions{}
	for _, s := range sequence {
		actions[s] = func(ctx context.Context) error { return nil }
	}

	_, err := m.AdvanceToCompletion(context.Background(), keys, actions, nil)
	require.NoError(t, err)
	// Every non-terminal state has one outbound transition; the final
	// WORKTREE_CLEANED entry is terminal and fires nothing.
	fromStates := sequence[:len(sequence)-1]
	require.Len(t, gate.calls, len(fromStates))
	for i, from := range fromStates {
		assert.Equal(t, checkpoint.RunMemoryClass(from), gate.calls[i], "transition out of %s", from)
	}
	assert.Equal(t, checkpoint.MemoryHigh, gate.calls[1], "worktree creation")
	assert.Equal(t, checkpoint.MemoryHigh, gate.calls[7], "agent execution")
	assert.Equal(t, checkpoint.MemoryHigh, gate.calls[10], "judge execution")
}

func TestRunMachineRerunSameUntilIsIdempotent(t *testing.T) {
	c := newTestCheckpoint()
	m := &RunMachine{Checkpoint: c, Save: noopSave}
	keys := RunKeys{Tier: "t1", Subtest: "s1", Run: 1}
	until := checkpoint.RunReplayGenerated

	first, err := m.AdvanceToCompletion(context.Background(), keys, RunActions{}, &until)
	require.NoError(t, err)
	require.Equal(t, checkpoint.RunReplayGenerated, first)

	// Second invocation with the same --until must not advance the run.
	called := false
	actions := RunActions{
		checkpoint.RunReplayGenerated: func(ctx context.Context) error {
			called = true
			return nil
		},
	}
	second, err := m.AdvanceToCompletion(context.Background(), keys, actions, &until)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunReplayGenerated, second)
	assert.False(t, called)
}
