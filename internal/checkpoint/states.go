package checkpoint

import "encoding/json"

// RunState is the 15-state sequence a single run progresses through,
// plus the FAILED and RATE_LIMITED terminal escapes.
type RunState string

const (
	RunPending              RunState = "pending"
	RunDirStructureCreated  RunState = "dir_structure_created"
	RunWorktreeCreated      RunState = "worktree_created"
	RunSymlinksApplied      RunState = "symlinks_applied"
	RunConfigCommitted      RunState = "config_committed"
	RunBaselineCaptured     RunState = "baseline_captured"
	RunPromptWritten        RunState = "prompt_written"
	RunReplayGenerated      RunState = "replay_generated"
	RunAgentComplete        RunState = "agent_complete"
	RunDiffCaptured         RunState = "diff_captured"
	RunJudgePromptBuilt     RunState = "judge_prompt_built"
	RunJudgeComplete        RunState = "judge_complete"
	RunFinalized            RunState = "run_finalized"
	RunCheckpointed         RunState = "checkpointed"
	RunWorktreeCleaned      RunState = "worktree_cleaned"
	RunFailed               RunState = "failed"
	RunRateLimited          RunState = "rate_limited"
)

// runStateOrder is the canonical left-to-right sequence, used both for
// the transition registry and for "at or past" comparisons in the
// reset primitives. Terminal states are not part of the linear order.
var runStateOrder = []RunState{
	RunPending,
	RunDirStructureCreated,
	RunWorktreeCreated,
	RunSymlinksApplied,
	RunConfigCommitted,
	RunBaselineCaptured,
	RunPromptWritten,
	RunReplayGenerated,
	RunAgentComplete,
	RunDiffCaptured,
	RunJudgePromptBuilt,
	RunJudgeComplete,
	RunFinalized,
	RunCheckpointed,
	RunWorktreeCleaned,
}

// MemoryClass is the tag on a RunState transition selecting which
// scheduler semaphore gates its action.
type MemoryClass string

const (
	MemoryLow  MemoryClass = "low"
	MemoryMed  MemoryClass = "med"
	MemoryHigh MemoryClass = "high"
)

// RunMemoryClass returns the memory class of the transition out of s.
// Only worktree creation (out of DIR_STRUCTURE_CREATED), agent
// execution (out of REPLAY_GENERATED), and judge execution (out of
// JUDGE_PROMPT_BUILT) are "high"; the two capture steps are "med";
// everything else is cheap bookkeeping.
func RunMemoryClass(s RunState) MemoryClass {
	switch s {
	case RunDirStructureCreated, RunReplayGenerated, RunJudgePromptBuilt:
		return MemoryHigh
	case RunConfigCommitted, RunAgentComplete:
		return MemoryMed
	default:
		return MemoryLow
	}
}

// RunStateSequence returns a copy of the canonical non-terminal run
// state order.
func RunStateSequence() []RunState {
	return append([]RunState(nil), runStateOrder...)
}

// IsTerminal reports whether s is one of RunState's terminal values.
func (s RunState) IsTerminal() bool {
	return s == RunWorktreeCleaned || s == RunFailed || s == RunRateLimited
}

// normalizeRunState coerces a string that is neither in the linear
// sequence nor a terminal escape back to PENDING, so a checkpoint
// written by a newer (or older) schema degrades to re-running the run
// instead of wedging the state machine on an unknown state.
func normalizeRunState(s RunState) RunState {
	if runStateIndex(s) >= 0 || s == RunFailed || s == RunRateLimited {
		return s
	}
	return RunPending
}

func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *RunState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = normalizeRunState(RunState(raw))
	return nil
}

// runStateIndex returns the position of s in runStateOrder, or -1 if s
// is not part of the linear sequence (terminal escapes or unknown).
func runStateIndex(s RunState) int {
	for i, v := range runStateOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// RunStateAtOrPast reports whether s appears at or after from in the run
// state sequence. An unrecognized from returns false for every s,
// matching the "unknown from_state returns 0" boundary behavior.
func RunStateAtOrPast(s, from RunState) bool {
	fromIdx := runStateIndex(from)
	if fromIdx < 0 {
		return false
	}
	sIdx := runStateIndex(s)
	if sIdx < 0 {
		return false
	}
	return sIdx >= fromIdx
}

// SubtestState progresses PENDING -> RUNS_IN_PROGRESS -> RUNS_COMPLETE
// -> AGGREGATED, with FAILED as a terminal escape.
type SubtestState string

const (
	SubtestPending         SubtestState = "pending"
	SubtestRunsInProgress  SubtestState = "runs_in_progress"
	SubtestRunsComplete    SubtestState = "runs_complete"
	SubtestAggregated      SubtestState = "aggregated"
	SubtestFailed          SubtestState = "failed"
)

var subtestStateOrder = []SubtestState{
	SubtestPending,
	SubtestRunsInProgress,
	SubtestRunsComplete,
	SubtestAggregated,
}

func (s SubtestState) IsTerminal() bool {
	return s == SubtestAggregated || s == SubtestFailed
}

func normalizeSubtestState(s SubtestState) SubtestState {
	if subtestStateIndex(s) >= 0 || s == SubtestFailed {
		return s
	}
	return SubtestPending
}

func (s SubtestState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *SubtestState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = normalizeSubtestState(SubtestState(raw))
	return nil
}

func subtestStateIndex(s SubtestState) int {
	for i, v := range subtestStateOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func SubtestStateAtOrPast(s, from SubtestState) bool {
	fromIdx := subtestStateIndex(from)
	if fromIdx < 0 {
		return false
	}
	sIdx := subtestStateIndex(s)
	if sIdx < 0 {
		return false
	}
	return sIdx >= fromIdx
}

// TierState progresses PENDING -> CONFIG_LOADED -> SUBTESTS_RUNNING ->
// SUBTESTS_COMPLETE -> BEST_SELECTED -> REPORTS_GENERATED -> COMPLETE.
type TierState string

const (
	TierPending           TierState = "pending"
	TierConfigLoaded      TierState = "config_loaded"
	TierSubtestsRunning   TierState = "subtests_running"
	TierSubtestsComplete  TierState = "subtests_complete"
	TierBestSelected      TierState = "best_selected"
	TierReportsGenerated  TierState = "reports_generated"
	TierComplete          TierState = "complete"
	TierFailed            TierState = "failed"
)

var tierStateOrder = []TierState{
	TierPending,
	TierConfigLoaded,
	TierSubtestsRunning,
	TierSubtestsComplete,
	TierBestSelected,
	TierReportsGenerated,
	TierComplete,
}

func (s TierState) IsTerminal() bool {
	return s == TierComplete || s == TierFailed
}

func normalizeTierState(s TierState) TierState {
	if tierStateIndex(s) >= 0 || s == TierFailed {
		return s
	}
	return TierPending
}

func (s TierState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *TierState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = normalizeTierState(TierState(raw))
	return nil
}

func tierStateIndex(s TierState) int {
	for i, v := range tierStateOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func TierStateAtOrPast(s, from TierState) bool {
	fromIdx := tierStateIndex(from)
	if fromIdx < 0 {
		return false
	}
	sIdx := tierStateIndex(s)
	if sIdx < 0 {
		return false
	}
	return sIdx >= fromIdx
}

// ExperimentState progresses INITIALIZING -> DIR_CREATED -> REPO_CLONED
// -> TIERS_RUNNING -> TIERS_COMPLETE -> REPORTS_GENERATED -> COMPLETE.
type ExperimentState string

const (
	ExpInitializing     ExperimentState = "initializing"
	ExpDirCreated       ExperimentState = "dir_created"
	ExpRepoCloned       ExperimentState = "repo_cloned"
	ExpTiersRunning     ExperimentState = "tiers_running"
	ExpTiersComplete    ExperimentState = "tiers_complete"
	ExpReportsGenerated ExperimentState = "reports_generated"
	ExpComplete         ExperimentState = "complete"
	ExpInterrupted      ExperimentState = "interrupted"
	ExpFailed           ExperimentState = "failed"
)

var experimentStateOrder = []ExperimentState{
	ExpInitializing,
	ExpDirCreated,
	ExpRepoCloned,
	ExpTiersRunning,
	ExpTiersComplete,
	ExpReportsGenerated,
	ExpComplete,
}

func (s ExperimentState) IsTerminal() bool {
	return s == ExpComplete || s == ExpInterrupted || s == ExpFailed
}

// normalizeExperimentState coerces unknown strings to INITIALIZING,
// the experiment sequence's starting point.
func normalizeExperimentState(s ExperimentState) ExperimentState {
	if experimentStateIndex(s) >= 0 || s == ExpInterrupted || s == ExpFailed {
		return s
	}
	return ExpInitializing
}

func (s ExperimentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *ExperimentState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = normalizeExperimentState(ExperimentState(raw))
	return nil
}

func experimentStateIndex(s ExperimentState) int {
	for i, v := range experimentStateOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func ExperimentStateAtOrPast(s, from ExperimentState) bool {
	fromIdx := experimentStateIndex(from)
	if fromIdx < 0 {
		return false
	}
	sIdx := experimentStateIndex(s)
	if sIdx < 0 {
		return false
	}
	return sIdx >= fromIdx
}
