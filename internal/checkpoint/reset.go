package checkpoint

// ResetOptions narrows the scope of a ResetRunsForFromState call.
type ResetOptions struct {
	TierFilter    []string
	SubtestFilter []string
	RunFilter     []int
	StatusFilter  []string
}

func contains(list []string, v string) bool {
	if list == nil {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	if list == nil {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ResetRunsForFromState rewinds every run matching the filters whose
// current RunState is at or past fromState back to PENDING, removing
// its completed_runs entry, and cascading the reset upward to its
// subtest and tier. Returns the count of runs reset. An unrecognized
// fromState resets nothing and returns 0.
func ResetRunsForFromState(c *Checkpoint, fromState RunState, opts ResetOptions) int {
	if runStateIndex(fromState) < 0 {
		return 0
	}

	resetCount := 0
	affectedTierSubtests := map[string]map[string]bool{}

	for tier, subtests := range c.RunStates {
		if !contains(opts.TierFilter, tier) {
			continue
		}
		for subtest, runs := range subtests {
			if !contains(opts.SubtestFilter, subtest) {
				continue
			}
			for run, state := range runs {
				if !containsInt(opts.RunFilter, run) {
					continue
				}
				if !RunStateAtOrPast(normalizeRunState(state), fromState) {
					continue
				}
				if opts.StatusFilter != nil {
					status, ok := c.GetRunStatus(tier, subtest, run)
					if !ok || !contains(opts.StatusFilter, status) {
						continue
					}
				}

				runs[run] = RunPending
				c.UnmarkRunCompleted(tier, subtest, run)
				resetCount++

				if affectedTierSubtests[tier] == nil {
					affectedTierSubtests[tier] = map[string]bool{}
				}
				affectedTierSubtests[tier][subtest] = true
			}
		}
	}

	if resetCount == 0 {
		return 0
	}

	for tier, subtests := range affectedTierSubtests {
		for subtest := range subtests {
			c.SetSubtestState(tier, subtest, SubtestPending)
		}
		c.SetTierState(tier, TierPending)
	}
	c.SetExperimentState(ExpTiersRunning)

	return resetCount
}

// ResetRateLimitedRuns rewinds every run stuck in RATE_LIMITED back to
// PENDING so the pause/resume loop can re-attempt it, cascading the
// reset upward the same way ResetRunsForFromState does. RATE_LIMITED is
// off the linear sequence, so the from-state primitives never match it.
func ResetRateLimitedRuns(c *Checkpoint) int {
	resetCount := 0
	affectedTierSubtests := map[string]map[string]bool{}

	for tier, subtests := range c.RunStates {
		for subtest, runs := range subtests {
			for run, state := range runs {
				if state != RunRateLimited {
					continue
				}
				runs[run] = RunPending
				c.UnmarkRunCompleted(tier, subtest, run)
				resetCount++

				if affectedTierSubtests[tier] == nil {
					affectedTierSubtests[tier] = map[string]bool{}
				}
				affectedTierSubtests[tier][subtest] = true
			}
		}
	}

	if resetCount == 0 {
		return 0
	}

	for tier, subtests := range affectedTierSubtests {
		for subtest := range subtests {
			c.SetSubtestState(tier, subtest, SubtestPending)
		}
		c.SetTierState(tier, TierPending)
	}
	c.SetExperimentState(ExpTiersRunning)

	return resetCount
}

// ResetTiersForFromState rewinds every tier (matching tierFilter) whose
// TierState is at or past fromState back to PENDING. Returns the count
// of tiers reset.
func ResetTiersForFromState(c *Checkpoint, fromState TierState, tierFilter []string) int {
	if tierStateIndex(fromState) < 0 {
		return 0
	}

	resetCount := 0
	for tier, state := range c.TierStates {
		if !contains(tierFilter, tier) {
			continue
		}
		if !TierStateAtOrPast(normalizeTierState(state), fromState) {
			continue
		}
		c.TierStates[tier] = TierPending
		resetCount++
	}

	if resetCount > 0 {
		c.SetExperimentState(ExpTiersRunning)
	}
	return resetCount
}

// ResetExperimentForFromState rewinds the experiment state to
// fromState if it is currently at or past fromState. Returns 1 if
// reset, 0 otherwise.
func ResetExperimentForFromState(c *Checkpoint, fromState ExperimentState) int {
	if experimentStateIndex(fromState) < 0 {
		return 0
	}
	if !ExperimentStateAtOrPast(c.GetExperimentState(), fromState) {
		return 0
	}
	c.SetExperimentState(fromState)
	return 1
}
