// Package resume implements the four resume-time concerns of an
// existing checkpoint: zombie detection handoff, ephemeral CLI-flag
// restoration, failed-state revival, and additive tier/subtest merge.
// Zombie handling, revival and merge are methods on Manager; flag
// restoration is the package function RestoreCLIArgs.
package resume

import (
	"log/slog"
	"time"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/health"
)

// Manager resumes an existing checkpoint across the four concerns.
// It holds the loaded checkpoint and the path it was loaded from so
// each method can save in place as it mutates.
type Manager struct {
	Checkpoint     *checkpoint.Checkpoint
	CheckpointPath string
}

// New builds a resume Manager over an already-loaded checkpoint.
func New(c *checkpoint.Checkpoint, checkpointPath string) *Manager {
	return &Manager{Checkpoint: c, CheckpointPath: checkpointPath}
}

// HandleZombie resets a zombie checkpoint's status to "interrupted" in
// place and saves it. Returns whether the checkpoint was a zombie.
func (m *Manager) HandleZombie(experimentDir string, timeout time.Duration) (bool, error) {
	if !health.IsZombie(m.Checkpoint, experimentDir, timeout) {
		return false, nil
	}
	if err := health.ResetZombieCheckpoint(m.Checkpoint, m.CheckpointPath); err != nil {
		return true, err
	}
	return true, nil
}

// EphemeralCLIArgs carries the CLI flags that RestoreCLIArgs writes
// over the saved config on resume. The until_*, max_subtests and
// parallel_subtests keys are excluded from the config hash;
// parallel_high/med/low are not.
type EphemeralCLIArgs struct {
	UntilRunState        *string
	UntilTierState       *string
	UntilExperimentState *string
	MaxSubtests          *int
	ParallelSubtests     *int
	ParallelHigh         *int
	ParallelMed          *int
	ParallelLow          *int
}

// RestoreCLIArgs applies ephemeral CLI overrides onto a raw config map
// loaded from the checkpoint's saved config, without touching any
// non-ephemeral field (which would change config_hash and should
// instead trigger ConfigMismatch upstream).
func RestoreCLIArgs(cfg map[string]any, args EphemeralCLIArgs) map[string]any {
	set := func(key string, v any) {
		cfg[key] = v
	}
	if args.UntilRunState != nil {
		set("until_run_state", *args.UntilRunState)
	}
	if args.UntilTierState != nil {
		set("until_tier_state", *args.UntilTierState)
	}
	if args.UntilExperimentState != nil {
		set("until_experiment_state", *args.UntilExperimentState)
	}
	if args.MaxSubtests != nil {
		set("max_subtests", *args.MaxSubtests)
	}
	if args.ParallelSubtests != nil {
		set("parallel_subtests", *args.ParallelSubtests)
	}
	if args.ParallelHigh != nil {
		set("parallel_high", *args.ParallelHigh)
	}
	if args.ParallelMed != nil {
		set("parallel_med", *args.ParallelMed)
	}
	if args.ParallelLow != nil {
		set("parallel_low", *args.ParallelLow)
	}
	return cfg
}

// ReviveFailedStates rewinds a checkpoint whose experiment_state is
// failed/interrupted back to tiers_running, and any failed tier or
// subtest back to pending. Run states are left untouched: only the
// coarser bookkeeping levels are revived so the next invocation's
// dispatch loop re-enters tiers/subtests that previously aborted.
func (m *Manager) ReviveFailedStates() {
	c := m.Checkpoint
	switch c.ExperimentState {
	case checkpoint.ExpFailed, checkpoint.ExpInterrupted:
		c.SetExperimentState(checkpoint.ExpTiersRunning)
	}

	for tier, state := range c.TierStates {
		if state == checkpoint.TierFailed {
			c.SetTierState(tier, checkpoint.TierPending)
		}
	}

	for tier, subtests := range c.SubtestStates {
		for subtest, state := range subtests {
			if state == checkpoint.SubtestFailed {
				c.SetSubtestState(tier, subtest, checkpoint.SubtestPending)
			}
		}
	}
}

// tierHasIncompleteRuns reports whether any run recorded under tier is
// in a non-terminal RunState.
func tierHasIncompleteRuns(c *checkpoint.Checkpoint, tier string) bool {
	subtests, ok := c.RunStates[tier]
	if !ok {
		return false
	}
	for _, runs := range subtests {
		for _, state := range runs {
			if !state.IsTerminal() {
				return true
			}
		}
	}
	return false
}

// subtestHasIncompleteRuns reports whether any run recorded under
// tier/subtest is in a non-terminal RunState.
func subtestHasIncompleteRuns(c *checkpoint.Checkpoint, tier, subtest string) bool {
	runs, ok := c.RunStates[tier][subtest]
	if !ok {
		return false
	}
	for _, state := range runs {
		if !state.IsTerminal() {
			return true
		}
	}
	return false
}

// MergeCLITiersAndReset appends any requested tier not already in
// tiersToRun, and for any requested
// tier with incomplete runs, nudge experiment/tier/subtest state back
// into a dispatchable shape without disturbing already-terminal runs
// or the subtests that own them. Returns the (possibly-extended)
// tiers_to_run list.
func (m *Manager) MergeCLITiersAndReset(tiersToRun []string, requestedTiers []string) []string {
	c := m.Checkpoint
	existing := map[string]bool{}
	for _, t := range tiersToRun {
		existing[t] = true
	}

	merged := append([]string{}, tiersToRun...)
	for _, t := range requestedTiers {
		if !existing[t] {
			merged = append(merged, t)
			existing[t] = true
		}
	}

	for _, tier := range requestedTiers {
		if !tierHasIncompleteRuns(c, tier) {
			continue
		}

		c.SetExperimentState(checkpoint.ExpTiersRunning)
		c.SetTierState(tier, checkpoint.TierSubtestsRunning)

		for subtest, state := range c.SubtestStates[tier] {
			if (state == checkpoint.SubtestAggregated || state == checkpoint.SubtestRunsComplete) &&
				subtestHasIncompleteRuns(c, tier, subtest) {
				c.SetSubtestState(tier, subtest, checkpoint.SubtestRunsInProgress)
			}
		}
	}

	return merged
}

// Resume runs all four concerns in the order the top-level runner
// needs them: zombie check first (it may rewrite status before
// anything else inspects it), then ephemeral restoration, then failed
// revival, then additive merge. Callers that only need a subset call
// the individual methods directly.
func (m *Manager) Resume(experimentDir string, zombieTimeout time.Duration, rawConfig map[string]any, ephemeral EphemeralCLIArgs, tiersToRun, requestedTiers []string) ([]string, error) {
	if _, err := m.HandleZombie(experimentDir, zombieTimeout); err != nil {
		return nil, err
	}
	RestoreCLIArgs(rawConfig, ephemeral)
	m.ReviveFailedStates()
	merged := m.MergeCLITiersAndReset(tiersToRun, requestedTiers)

	slog.Info("resumed experiment", "experiment_id", m.Checkpoint.ExperimentID, "experiment_state", m.Checkpoint.ExperimentState, "tiers", merged)
	return merged, nil
}
