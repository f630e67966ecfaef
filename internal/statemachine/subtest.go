package statemachine

import (
	"context"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
)

var subtestTable = NewTable([]Transition[checkpoint.SubtestState]{
	{From: checkpoint.SubtestPending, To: checkpoint.SubtestRunsInProgress, Description: "dispatch run batch"},
	{From: checkpoint.SubtestRunsInProgress, To: checkpoint.SubtestRunsComplete, Description: "await all runs terminal"},
	{From: checkpoint.SubtestRunsComplete, To: checkpoint.SubtestAggregated, Description: "aggregate run results"},
})

// SubtestKeys addresses a single subtest.
type SubtestKeys struct {
	Tier    string
	Subtest string
}

type SubtestActions map[checkpoint.SubtestState]func(context.Context) error

// SubtestMachine drives one subtest through SubtestState. Its PENDING
// action dispatches the subtest's run batch; when that batch is
// halted mid-flight by --until, the action returns an UntilHaltError,
// which AdvanceToCompletion swallows. The transition to
// RUNS_IN_PROGRESS still happens and is saved before the halt is
// observed here.
type SubtestMachine struct {
	Checkpoint *checkpoint.Checkpoint
	Save       func() error
}

func (m *SubtestMachine) config(keys SubtestKeys) Config[checkpoint.SubtestState] {
	return Config[checkpoint.SubtestState]{
		Table:      subtestTable,
		IsTerminal: checkpoint.SubtestState.IsTerminal,
		GetState: func() checkpoint.SubtestState {
			return m.Checkpoint.GetSubtestState(keys.Tier, keys.Subtest)
		},
		SetState: func(s checkpoint.SubtestState) {
			m.Checkpoint.SetSubtestState(keys.Tier, keys.Subtest, s)
		},
		Save: m.Save,
	}
}

func (m *SubtestMachine) GetState(keys SubtestKeys) checkpoint.SubtestState {
	return m.Checkpoint.GetSubtestState(keys.Tier, keys.Subtest)
}

func (m *SubtestMachine) IsComplete(keys SubtestKeys) bool {
	return m.GetState(keys).IsTerminal()
}

// Advance performs one transition. A halt raised by the PENDING
// dispatch action still writes RUNS_IN_PROGRESS and saves before
// propagating, so the subtest is resumable rather than stuck at
// PENDING. A halt from any later state leaves the state untouched:
// writing RUNS_COMPLETE for a batch --until stopped mid-flight would
// make the next invocation aggregate against missing results.
func (m *SubtestMachine) Advance(ctx context.Context, keys SubtestKeys, actions SubtestActions) (checkpoint.SubtestState, error) {
	cfg := m.config(keys)
	current := cfg.GetState()

	newState, err := Advance(ctx, cfg, actions[current])
	if err != nil && herrors.IsUntilHalt(err) && current == checkpoint.SubtestPending {
		cfg.SetState(checkpoint.SubtestRunsInProgress)
		if saveErr := cfg.Save(); saveErr != nil {
			return current, saveErr
		}
		return checkpoint.SubtestRunsInProgress, err
	}
	return newState, err
}

// AdvanceToCompletion applies the subtest-level exception table: a
// generic action failure sets FAILED; Shutdown/RateLimit propagate
// unchanged; an UntilHaltError is swallowed (the transition that
// produced it already persisted).
func (m *SubtestMachine) AdvanceToCompletion(ctx context.Context, keys SubtestKeys, actions SubtestActions, untilState *checkpoint.SubtestState) (checkpoint.SubtestState, error) {
	for {
		if m.IsComplete(keys) {
			return m.GetState(keys), nil
		}
		if untilState != nil && m.GetState(keys) == *untilState {
			return *untilState, nil
		}

		newState, err := m.Advance(ctx, keys, actions)
		if err != nil {
			switch {
			case herrors.IsUntilHalt(err):
				return newState, nil
			case herrors.IsShutdown(err), herrors.IsRateLimit(err):
				return newState, err
			default:
				m.Checkpoint.SetSubtestState(keys.Tier, keys.Subtest, checkpoint.SubtestFailed)
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.SubtestFailed, saveErr
				}
				return checkpoint.SubtestFailed, herrors.NewActionError("subtest", "", []string{keys.Tier, keys.Subtest}, err)
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
