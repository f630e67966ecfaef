package statemachine

import (
	"context"
	"strconv"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
)

// Gate is implemented by the parallelism scheduler: it acquires the
// semaphore matching a memory class before an action runs, returning a
// release function to call afterward.
type Gate interface {
	Acquire(ctx context.Context, class checkpoint.MemoryClass) (release func(), err error)
}

var runTable = NewTable([]Transition[checkpoint.RunState]{
	{From: checkpoint.RunPending, To: checkpoint.RunDirStructureCreated, Description: "create run directory structure"},
	{From: checkpoint.RunDirStructureCreated, To: checkpoint.RunWorktreeCreated, Description: "create git worktree"},
	{From: checkpoint.RunWorktreeCreated, To: checkpoint.RunSymlinksApplied, Description: "apply fixture symlinks"},
	{From: checkpoint.RunSymlinksApplied, To: checkpoint.RunConfigCommitted, Description: "commit tier config"},
	{From: checkpoint.RunConfigCommitted, To: checkpoint.RunBaselineCaptured, Description: "capture baseline diff"},
	{From: checkpoint.RunBaselineCaptured, To: checkpoint.RunPromptWritten, Description: "write task prompt"},
	{From: checkpoint.RunPromptWritten, To: checkpoint.RunReplayGenerated, Description: "generate replay script"},
	{From: checkpoint.RunReplayGenerated, To: checkpoint.RunAgentComplete, Description: "run agent subprocess"},
	{From: checkpoint.RunAgentComplete, To: checkpoint.RunDiffCaptured, Description: "capture agent diff"},
	{From: checkpoint.RunDiffCaptured, To: checkpoint.RunJudgePromptBuilt, Description: "build judge prompt"},
	{From: checkpoint.RunJudgePromptBuilt, To: checkpoint.RunJudgeComplete, Description: "run judge subprocess"},
	{From: checkpoint.RunJudgeComplete, To: checkpoint.RunFinalized, Description: "finalize run result"},
	{From: checkpoint.RunFinalized, To: checkpoint.RunCheckpointed, Description: "checkpoint run"},
	{From: checkpoint.RunCheckpointed, To: checkpoint.RunWorktreeCleaned, Description: "clean up worktree"},
})

// RunKeys addresses a single run.
type RunKeys struct {
	Tier    string
	Subtest string
	Run     int
}

// RunActions maps the state an action fires FROM to the callback that
// performs that transition's work.
type RunActions map[checkpoint.RunState]func(context.Context) error

// RunMachine drives a single run through RunState. Gate is optional;
// when set, the memory-class semaphore of the current state (the state
// the action fires from) is held for the duration of the action.
type RunMachine struct {
	Checkpoint *checkpoint.Checkpoint
	Save       func() error
	Gate       Gate
}

func (m *RunMachine) config(keys RunKeys) Config[checkpoint.RunState] {
	return Config[checkpoint.RunState]{
		Table:      runTable,
		IsTerminal: checkpoint.RunState.IsTerminal,
		GetState: func() checkpoint.RunState {
			return m.Checkpoint.GetRunState(keys.Tier, keys.Subtest, keys.Run)
		},
		SetState: func(s checkpoint.RunState) {
			m.Checkpoint.SetRunState(keys.Tier, keys.Subtest, keys.Run, s)
		},
		Save: m.Save,
	}
}

func (m *RunMachine) GetState(keys RunKeys) checkpoint.RunState {
	return m.Checkpoint.GetRunState(keys.Tier, keys.Subtest, keys.Run)
}

func (m *RunMachine) IsComplete(keys RunKeys) bool {
	return m.GetState(keys).IsTerminal()
}

// Advance performs a single transition, gating the action with the
// memory-class semaphore tagged on the transition out of the current
// state.
func (m *RunMachine) Advance(ctx context.Context, keys RunKeys, actions RunActions) (checkpoint.RunState, error) {
	cfg := m.config(keys)
	current := cfg.GetState()

	var gated func(context.Context) error
	if action, exists := actions[current]; exists {
		gated = func(ctx context.Context) error {
			if m.Gate == nil {
				return action(ctx)
			}
			release, err := m.Gate.Acquire(ctx, checkpoint.RunMemoryClass(current))
			if err != nil {
				return err
			}
			defer release()
			return action(ctx)
		}
	}

	return Advance(ctx, cfg, gated)
}

// AdvanceToCompletion loops Advance until the run reaches a terminal
// state or untilState (inclusive). A rate limit records RATE_LIMITED,
// a shutdown leaves the pre-action state, and anything else records
// FAILED; all three propagate to the caller.
func (m *RunMachine) AdvanceToCompletion(ctx context.Context, keys RunKeys, actions RunActions, untilState *checkpoint.RunState) (checkpoint.RunState, error) {
	for {
		if m.IsComplete(keys) {
			return m.GetState(keys), nil
		}
		if untilState != nil && m.GetState(keys) == *untilState {
			return *untilState, nil
		}

		preActionState := m.GetState(keys)
		newState, err := m.Advance(ctx, keys, actions)
		if err != nil {
			switch {
			case herrors.IsUntilHalt(err):
				// Not applicable at run level; propagate untouched.
				return newState, err
			case herrors.IsShutdown(err):
				// Leave state at pre-action value; already the case
				// since Advance did not mutate it on this error path.
				return newState, err
			case herrors.IsRateLimit(err):
				m.Checkpoint.SetRunState(keys.Tier, keys.Subtest, keys.Run, checkpoint.RunRateLimited)
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.RunRateLimited, saveErr
				}
				return checkpoint.RunRateLimited, err
			default:
				m.Checkpoint.SetRunState(keys.Tier, keys.Subtest, keys.Run, checkpoint.RunFailed)
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.RunFailed, saveErr
				}
				return checkpoint.RunFailed, herrors.NewActionError("run", string(preActionState), keysToStrings(keys), err)
			}
		}

		if untilState != nil && newState == *untilState {
			return newState, nil
		}
		if newState.IsTerminal() {
			return newState, nil
		}
	}
}

func keysToStrings(keys RunKeys) []string {
	return []string{keys.Tier, keys.Subtest, strconv.Itoa(keys.Run)}
}
