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

func TestTierMachineFullSequence(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}

	final, err := m.AdvanceToCompletion(context.Background(), "t1", TierActions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TierComplete, final)
}

func TestTierMachineGenericFailureSetsFailed(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}
	boom := errors.New("best-selection failed")

	actions := TierActions{
		checkpoint.TierSubtestsComplete: func(ctx context.Context) error { return boom },
	}

	final, err := m.AdvanceToCompletion(context.Background(), "t1", actions, nil)
	require.Error(t, err)
	assert.Equal(t, checkpoint.TierFailed, final)
	assert.ErrorIs(t, err, boom)
}

func TestTierMachineRateLimitSetsFailed(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}

	actions := TierActions{
		checkpoint.TierSubtestsRunning: func(ctx context.Context) error {
			return &herrors.RateLimitError{Source: "agent", RetryAfter: 30}
		},
	}

	final, err := m.AdvanceToCompletion(context.Background(), "t1", actions, nil)
	require.Error(t, err)
	assert.Equal(t, checkpoint.TierFailed, final)
}

func TestTierMachineShutdownRewindsToConfigLoaded(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}
	c.SetTierState("t1", checkpoint.TierSubtestsRunning)

	actions := TierActions{
		checkpoint.TierSubtestsRunning: func(ctx context.Context) error {
			return &herrors.ShutdownInterrupted{Stage: "subtest dispatch"}
		},
	}

	final, err := m.AdvanceToCompletion(context.Background(), "t1", actions, nil)
	require.Error(t, err)
	assert.True(t, herrors.IsShutdown(err))
	assert.Equal(t, checkpoint.TierConfigLoaded, final)
	assert.Equal(t, checkpoint.TierConfigLoaded, m.GetState("t1"))
}

func TestTierMachineUntilHaltLeavesStateUntouched(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}

	actions := TierActions{
		checkpoint.TierSubtestsRunning: func(ctx context.Context) error {
			return &herrors.UntilHaltError{Reached: "replay_generated"}
		},
	}

	final, err := m.AdvanceToCompletion(context.Background(), "t1", actions, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TierSubtestsRunning, final)
	assert.Equal(t, checkpoint.TierSubtestsRunning, m.GetState("t1"))
}

func TestTierMachineUntilStateHalts(t *testing.T) {
	c := newTestCheckpoint()
	m := &TierMachine{Checkpoint: c, Save: noopSave}
	until := checkpoint.TierBestSelected

	final, err := m.AdvanceToCompletion(context.Background(), "t1", TierActions{}, &until)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TierBestSelected, final)
}
