package statemachine

import (
	"context"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
)

var tierTable = NewTable([]Transition[checkpoint.TierState]{
	{From: checkpoint.TierPending, To: checkpoint.TierConfigLoaded, Description: "load tier config"},
	{From: checkpoint.TierConfigLoaded, To: checkpoint.TierSubtestsRunning, Description: "start subtest execution"},
	{From: checkpoint.TierSubtestsRunning, To: checkpoint.TierSubtestsComplete, Description: "run all subtests"},
	{From: checkpoint.TierSubtestsComplete, To: checkpoint.TierBestSelected, Description: "select best run"},
	{From: checkpoint.TierBestSelected, To: checkpoint.TierReportsGenerated, Description: "generate tier report"},
	{From: checkpoint.TierReportsGenerated, To: checkpoint.TierComplete, Description: "finalize tier"},
})

type TierActions map[checkpoint.TierState]func(context.Context) error

// TierMachine drives one tier through TierState.
type TierMachine struct {
	Checkpoint *checkpoint.Checkpoint
	Save       func() error
}

func (m *TierMachine) config(tier string) Config[checkpoint.TierState] {
	return Config[checkpoint.TierState]{
		Table:      tierTable,
		IsTerminal: checkpoint.TierState.IsTerminal,
		GetState:   func() checkpoint.TierState { return m.Checkpoint.GetTierState(tier) },
		SetState:   func(s checkpoint.TierState) { m.Checkpoint.SetTierState(tier, s) },
		Save:       m.Save,
	}
}

func (m *TierMachine) GetState(tier string) checkpoint.TierState {
	return m.Checkpoint.GetTierState(tier)
}

func (m *TierMachine) IsComplete(tier string) bool {
	return m.GetState(tier).IsTerminal()
}

func (m *TierMachine) Advance(ctx context.Context, tier string, actions TierActions) (checkpoint.TierState, error) {
	cfg := m.config(tier)
	current := cfg.GetState()
	action, ok := actions[current]
	if !ok {
		return Advance(ctx, cfg, nil)
	}
	return Advance(ctx, cfg, action)
}

// AdvanceToCompletion applies the tier-level exception table: generic
// failure and RateLimitError both set FAILED and propagate; Shutdown
// rewinds the tier to CONFIG_LOADED (resumable) and propagates. A halt
// surfacing from the subtest dispatch action (--until stopped runs
// below) leaves the tier at its pre-action state without FAILED.
func (m *TierMachine) AdvanceToCompletion(ctx context.Context, tier string, actions TierActions, untilState *checkpoint.TierState) (checkpoint.TierState, error) {
	for {
		if m.IsComplete(tier) {
			return m.GetState(tier), nil
		}
		if untilState != nil && m.GetState(tier) == *untilState {
			return *untilState, nil
		}

		newState, err := m.Advance(ctx, tier, actions)
		if err != nil {
			switch {
			case herrors.IsUntilHalt(err):
				return newState, nil
			case herrors.IsShutdown(err):
				m.Checkpoint.SetTierState(tier, checkpoint.TierConfigLoaded)
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.TierConfigLoaded, saveErr
				}
				return checkpoint.TierConfigLoaded, err
			default:
				m.Checkpoint.SetTierState(tier, checkpoint.TierFailed)
				if saveErr := m.Save(); saveErr != nil {
					return checkpoint.TierFailed, saveErr
				}
				return checkpoint.TierFailed, herrors.NewActionError("tier", "", []string{tier}, err)
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
