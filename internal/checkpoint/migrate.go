package checkpoint

import "fmt"

// migrateV2 synthesizes the v3.1 state fields from a v2.0 checkpoint's
// completed_runs map. A v2.0 checkpoint has no
// experiment_state/tier_states/subtest_states/run_states; everything
// those fields would hold is derived here.
func migrateV2(raw map[string]any) (*Checkpoint, error) {
	c := &Checkpoint{
		Version:         CurrentVersion,
		ExperimentState: ExpTiersRunning,
		TierStates:      map[string]TierState{},
		SubtestStates:   map[string]map[string]SubtestState{},
		RunStates:       map[string]map[string]map[int]RunState{},
		CompletedRuns:   map[string]map[string]map[int]string{},
	}

	if v, ok := raw["experiment_id"].(string); ok {
		c.ExperimentID = v
	}
	if v, ok := raw["experiment_dir"].(string); ok {
		c.ExperimentDir = v
	}
	if v, ok := raw["config_hash"].(string); ok {
		c.ConfigHash = v
	}
	if v, ok := raw["started_at"].(string); ok {
		c.StartedAt = v
	}
	if v, ok := raw["last_updated_at"].(string); ok {
		c.LastUpdatedAt = v
	}
	c.LastHeartbeat = c.LastUpdatedAt
	if v, ok := raw["status"].(string); ok {
		c.Status = v
	} else {
		c.Status = "running"
	}
	if v, ok := raw["rate_limit_source"].(string); ok {
		c.RateLimitSource = &v
	}
	if v, ok := raw["rate_limit_until"].(string); ok {
		c.RateLimitUntil = &v
	}
	if v, ok := raw["pause_count"].(float64); ok {
		c.PauseCount = int(v)
	}
	if v, ok := raw["pid"].(float64); ok {
		pid := int(v)
		c.PID = &pid
	}

	completedRaw, _ := raw["completed_runs"].(map[string]any)
	for tier, subtestsAny := range completedRaw {
		subtests, ok := subtestsAny.(map[string]any)
		if !ok {
			continue
		}
		for subtest, runsAny := range subtests {
			runs, ok := runsAny.(map[string]any)
			if !ok {
				continue
			}
			for runStr, statusAny := range runs {
				status, _ := statusAny.(string)
				var runNum int
				if _, err := fmt.Sscanf(runStr, "%d", &runNum); err != nil {
					continue
				}

				if c.CompletedRuns[tier] == nil {
					c.CompletedRuns[tier] = map[string]map[int]string{}
				}
				if c.CompletedRuns[tier][subtest] == nil {
					c.CompletedRuns[tier][subtest] = map[int]string{}
				}
				c.CompletedRuns[tier][subtest][runNum] = status

				var synthesized RunState
				switch status {
				case "passed", "failed":
					synthesized = RunState("run_complete")
				case "agent_complete":
					synthesized = RunAgentComplete
				default:
					continue
				}
				c.SetRunState(tier, subtest, runNum, synthesized)
			}
		}
	}

	// tier_states and subtest_states are left empty; lookups default
	// to pending.
	return c, nil
}
