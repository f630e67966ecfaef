package resume

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalharness/harness/internal/checkpoint"
)

func TestHandleZombie(t *testing.T) {
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "checkpoint.json")

	c := checkpoint.New("exp-1", dir)
	deadPID := 999999
	c.PID = &deadPID
	c.Status = "running"
	c.LastHeartbeat = time.Now().Add(-300 * time.Second).UTC().Format(time.RFC3339)
	require.NoError(t, checkpoint.Save(c, ckptPath))

	m := New(c, ckptPath)
	wasZombie, err := m.HandleZombie(dir, 120*time.Second)
	require.NoError(t, err)
	assert.True(t, wasZombie)
	assert.Equal(t, "interrupted", c.Status)

	reloaded, err := checkpoint.Load(ckptPath)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", reloaded.Status)
}

func TestHandleZombie_AliveProcessIsNotZombie(t *testing.T) {
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "checkpoint.json")

	c := checkpoint.New("exp-1", dir)
	pid := 1 // pid 1 always exists
	c.PID = &pid
	c.Status = "running"
	c.LastHeartbeat = time.Now().Add(-1000 * time.Second).UTC().Format(time.RFC3339)
	require.NoError(t, checkpoint.Save(c, ckptPath))

	m := New(c, ckptPath)
	wasZombie, err := m.HandleZombie(dir, 120*time.Second)
	require.NoError(t, err)
	assert.False(t, wasZombie)
	assert.Equal(t, "running", c.Status)
}

func TestRestoreCLIArgs(t *testing.T) {
	cfg := map[string]any{
		"parallel_subtests": 2,
		"repo":              "https://example.com/repo.git",
	}
	maxSubtests := 5
	cfg = RestoreCLIArgs(cfg, EphemeralCLIArgs{MaxSubtests: &maxSubtests})

	assert.Equal(t, 5, cfg["max_subtests"])
	assert.Equal(t, "https://example.com/repo.git", cfg["repo"])
}

func TestReviveFailedStates(t *testing.T) {
	c := checkpoint.New("exp-1", "/tmp/exp-1")
	c.SetExperimentState(checkpoint.ExpFailed)
	c.SetTierState("T0", checkpoint.TierFailed)
	c.SetSubtestState("T0", "00", checkpoint.SubtestFailed)
	c.SetTierState("T1", checkpoint.TierComplete)

	m := New(c, "/tmp/exp-1/checkpoint.json")
	m.ReviveFailedStates()

	assert.Equal(t, checkpoint.ExpTiersRunning, c.GetExperimentState())
	assert.Equal(t, checkpoint.TierPending, c.GetTierState("T0"))
	assert.Equal(t, checkpoint.SubtestPending, c.GetSubtestState("T0", "00"))
	assert.Equal(t, checkpoint.TierComplete, c.GetTierState("T1"))
}

func TestMergeCLITiersAndReset_AppendsNewTier(t *testing.T) {
	c := checkpoint.New("exp-1", "/tmp/exp-1")
	m := New(c, "/tmp/exp-1/checkpoint.json")

	merged := m.MergeCLITiersAndReset([]string{"T0"}, []string{"T0", "T1"})
	assert.Equal(t, []string{"T0", "T1"}, merged)
}

func TestMergeCLITiersAndReset_DoesNotTouchCompletedSubtests(t *testing.T) {
	c := checkpoint.New("exp-1", "/tmp/exp-1")
	c.SetRunState("T0", "00", 1, checkpoint.RunWorktreeCleaned)
	c.SetSubtestState("T0", "00", checkpoint.SubtestAggregated)
	c.SetTierState("T0", checkpoint.TierComplete)

	m := New(c, "/tmp/exp-1/checkpoint.json")
	m.MergeCLITiersAndReset([]string{"T0"}, []string{"T0"})

	// No incomplete runs under T0, so nothing should move.
	assert.Equal(t, checkpoint.SubtestAggregated, c.GetSubtestState("T0", "00"))
	assert.Equal(t, checkpoint.TierComplete, c.GetTierState("T0"))
}

func TestMergeCLITiersAndReset_ResetsIncompleteSubtestToInProgress(t *testing.T) {
	c := checkpoint.New("exp-1", "/tmp/exp-1")
	c.SetRunState("T0", "00", 1, checkpoint.RunWorktreeCleaned)
	c.SetRunState("T0", "00", 2, checkpoint.RunReplayGenerated) // not terminal
	c.SetSubtestState("T0", "00", checkpoint.SubtestAggregated)
	c.SetTierState("T0", checkpoint.TierComplete)
	c.SetExperimentState(checkpoint.ExpComplete)

	m := New(c, "/tmp/exp-1/checkpoint.json")
	m.MergeCLITiersAndReset([]string{"T0"}, []string{"T0"})

	assert.Equal(t, checkpoint.SubtestRunsInProgress, c.GetSubtestState("T0", "00"))
	assert.Equal(t, checkpoint.TierSubtestsRunning, c.GetTierState("T0"))
	assert.Equal(t, checkpoint.ExpTiersRunning, c.GetExperimentState())
}
