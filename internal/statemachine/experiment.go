package statemachine

import (
	"context"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
)

var experimentTable = NewTable([]Transition[checkpoint.ExperimentState]{
	{From: checkpoint.ExpInitializing, To: checkpoint.ExpDirCreated, Description: "create experiment directory"},
	{From: checkpoint.ExpDirCreated, To: checkpoint.ExpRepoCloned, Description: "clone base repository"},
	{From: checkpoint.ExpRepoCloned, To: checkpoint.ExpTiersRunning, Description: "begin tier execution"},
	{From: checkpoint.ExpTiersRunning, To: checkpoint.ExpTiersComplete, Description: "execute all tiers"},
	{From: checkpoint.ExpTiersComplete, To: checkpoint.ExpReportsGenerated, Description: "generate experiment report"},
	{From: checkpoint.ExpReportsGenerated, To: checkpoint.ExpComplete, Description: "finalize experiment"},
})

type ExperimentActions map[checkpoint.ExperimentState]func(context.Context) error

// ExperimentMachine drives the single experiment through ExperimentState.
type ExperimentMachine struct {
	Checkpoint *checkpoint.Checkpoint
	Save       func() error
}

func (m *ExperimentMachine) config() Config[checkpoint.ExperimentState] {
	return Config[checkpoint.ExperimentState]{
		Table:      experimentTable,
		IsTerminal: checkpoint.ExperimentState.IsTerminal,
		GetState:   func() checkpoint.ExperimentState { return m.Checkpoint.GetExperimentState() },
		SetState:   func(s checkpoint.ExperimentState) { m.Checkpoint.ExperimentState = s },
		Save:       m.Save,
	}
}

func (m *ExperimentMachine) GetState() checkpoint.ExperimentState {
	return m.Checkpoint.GetExperimentState()
}

func (m *ExperimentMachine) IsComplete() bool {
	return m.GetState().IsTerminal()
}

func (m *ExperimentMachine) Advance(ctx context.Context, actions ExperimentActions) (checkpoint.ExperimentState, error) {
	cfg := m.config()
	current := cfg.GetState()
	action, ok := actions[current]
	if !ok {
		return Advance(ctx, cfg, nil)
	}
	return Advance(ctx, cfg, action)
}

// AdvanceToCompletion applies the experiment-level exception table: both
// Shutdown and RateLimitError move the experiment to INTERRUPTED and
// propagate; any other failure sets FAILED and propagates wrapped. A
// halt surfacing from the tier dispatch action (--until stopped work
// below) leaves the experiment at its pre-action state without FAILED.
func (m *ExperimentMachine) AdvanceToCompletion(ctx context.Context, actions ExperimentActions, untilState *checkpoint.ExperimentState) (checkpoint.ExperimentState, error) {
	for {
		if m.IsComplete() {
			return m.GetState(), nil
		}
		if untilState != nil && m.GetState() == *untilState {
			return *untilState, nil
		}

		newState, err := m.Advance(ctx, actions)
		if err != nil {
			switch {
			case herrors.IsUntilHalt(err):
				return newState, nil
			case herrors.IsShutdown(err), herrors.IsRateLimit(err):
				m.Checkpoint.ExperimentState = checkpoint.ExpInterrupted
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.ExpInterrupted, saveErr
				}
				return checkpoint.ExpInterrupted, err
			default:
				m.Checkpoint.ExperimentState = checkpoint.ExpFailed
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.ExpFailed, saveErr
				}
				return checkpoint.ExpFailed, herrors.NewActionError("experiment", "", nil, err)
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
