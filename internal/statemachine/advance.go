package statemachine

import (
	"context"
	"fmt"
)

// Config binds a generic Table to the checkpoint accessors a concrete
// machine needs: reading/writing the state for one set of keys, and
// persisting the checkpoint.
type Config[S comparable] struct {
	Table      Table[S]
	IsTerminal func(S) bool
	GetState   func() S
	SetState   func(S)
	Save       func() error
}

// Advance performs the single shared transition step: look up the
// outbound transition, run its action (if any), and only on success
// write the new state and save. A failing action leaves the state at
// its pre-action value; the subtest machine layers its own halt
// write-through on top of this step.
func Advance[S comparable](ctx context.Context, cfg Config[S], action func(context.Context) error) (S, error) {
	current := cfg.GetState()

	if cfg.IsTerminal(current) {
		return current, fmt.Errorf("advance: state %v is terminal", current)
	}

	tr, ok := cfg.Table.Next(current)
	if !ok {
		return current, fmt.Errorf("advance: no transition defined from state %v", current)
	}

	if action != nil {
		if err := action(ctx); err != nil {
			return current, err
		}
	}

	cfg.SetState(tr.To)
	if err := cfg.Save(); err != nil {
		return current, err
	}
	return tr.To, nil
}
