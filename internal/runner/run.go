package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/ratelimit"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

// RunSpec is everything one run's action set needs beyond the keys
// already threaded through RunMachine: the tier's resolved config, the
// rendered task prompt, and the shared collaborators (workspace
// manager, agent/judge invokers, report renderer).
type RunSpec struct {
	Keys         statemachine.RunKeys
	TierCfg      tierconfig.Config
	TaskPrompt   string
	Workspace    *workspace.Manager
	AgentInvoke  Invoker
	JudgeInvoke  Invoker
	Renderer     runresult.ReportRenderer
	// MarkCompleted records the run's terminal outcome in the
	// checkpoint's completed_runs map (checkpoint.MarkRunCompleted),
	// kept as a callback so this package never holds the checkpoint
	// directly.
	MarkCompleted func(status string) error
}

// runArtifacts carries the process-local state that flows between a
// single run's transitions (worktree path/branch, captured diffs,
// agent/judge output) without needing to persist it in the
// checkpoint: only the RunState itself is durable; everything else
// here is reconstructible if an action crashes and the step re-runs.
type runArtifacts struct {
	runDir       string
	worktreePath string
	branch       string
	baselineDiff string
	agentStdout  []byte
	agentStderr  []byte
	agentDiff    string
	judgePrompt  string
	judgeStdout  []byte
	judgeStderr  []byte
	result       runresult.RunResult
}

// ensurePaths fills in the deterministic per-run paths. A resumed
// invocation starts mid-sequence with a fresh (empty) artifact struct,
// so every action derives these rather than trusting an earlier
// action in the same process to have set them.
func (art *runArtifacts) ensurePaths(spec RunSpec, experimentDir string) {
	keys := spec.Keys
	if art.runDir == "" {
		art.runDir = filepath.Join(experimentDir, "runs", keys.Tier, keys.Subtest, fmt.Sprintf("run_%d", keys.Run))
	}
	if art.worktreePath == "" {
		art.worktreePath = spec.Workspace.WorktreePath(keys.Tier, keys.Subtest, keys.Run)
	}
	if art.branch == "" {
		art.branch = fmt.Sprintf("%s_%s", keys.Tier, keys.Subtest)
	}
}

// BuildRunActions returns the RunActions map driving one run through
// every RunState transition. Each action is keyed by the state it
// fires FROM; the heavy transitions (worktree creation out of
// DIR_STRUCTURE_CREATED, agent execution out of REPLAY_GENERATED,
// judge execution out of JUDGE_PROMPT_BUILT) carry the "high" memory
// class the RunMachine gates on. Actions that invoke the agent or
// judge subprocess scan their output for rate-limit signals and return
// a RateLimitError when detected.
func BuildRunActions(spec RunSpec, experimentDir string) statemachine.RunActions {
	art := &runArtifacts{}
	keys := spec.Keys

	return statemachine.RunActions{
		checkpoint.RunPending: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			if err := os.MkdirAll(filepath.Join(art.runDir, "logs"), 0o755); err != nil {
				return fmt.Errorf("create run directory: %w", err)
			}
			return nil
		},

		checkpoint.RunDirStructureCreated: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			path, branch, err := spec.Workspace.CreateWorktree(ctx, keys.Tier, keys.Subtest, keys.Run)
			if err != nil {
				return fmt.Errorf("create worktree: %w", err)
			}
			art.worktreePath = path
			art.branch = branch
			return nil
		},

		checkpoint.RunWorktreeCreated: func(ctx context.Context) error {
			// Fixture symlinks (blocks/skills/agents composition) are
			// an external collaborator; this hook point exists so a
			// composed fixture layer can be wired in without touching
			// the state machine.
			art.ensurePaths(spec, experimentDir)
			return nil
		},

		checkpoint.RunSymlinksApplied: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			return writeTierConfigCommit(art.worktreePath, spec.TierCfg)
		},

		checkpoint.RunConfigCommitted: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			diff, err := gitDiff(ctx, art.worktreePath)
			if err != nil {
				return fmt.Errorf("capture baseline diff: %w", err)
			}
			art.baselineDiff = diff
			return nil
		},

		checkpoint.RunBaselineCaptured: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			path := filepath.Join(art.runDir, "prompt.md")
			if err := os.WriteFile(path, []byte(spec.TaskPrompt), 0o644); err != nil {
				return fmt.Errorf("write prompt: %w", err)
			}
			return nil
		},

		checkpoint.RunPromptWritten: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			return writeReplayScript(art.runDir, art.worktreePath)
		},

		checkpoint.RunReplayGenerated: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			stdout, stderr, _, err := spec.AgentInvoke.Invoke(ctx, art.worktreePath, spec.TaskPrompt)
			art.agentStdout, art.agentStderr = stdout, stderr
			_ = os.WriteFile(filepath.Join(art.runDir, "logs", "agent.stdout.log"), stdout, 0o644)
			_ = os.WriteFile(filepath.Join(art.runDir, "logs", "agent.stderr.log"), stderr, 0o644)

			if ctx.Err() != nil {
				return &herrors.ShutdownInterrupted{Stage: "agent execution"}
			}
			if info, detected := ratelimit.Detect(stdout, stderr, ratelimit.SourceAgent); detected {
				return &herrors.RateLimitError{Source: string(info.Source), RetryAfter: info.RetryAfter.Seconds()}
			}
			if err != nil {
				return fmt.Errorf("agent subprocess: %w", err)
			}
			return nil
		},

		checkpoint.RunAgentComplete: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			diff, err := gitDiff(ctx, art.worktreePath)
			if err != nil {
				return fmt.Errorf("capture agent diff: %w", err)
			}
			art.agentDiff = diff
			return os.WriteFile(filepath.Join(art.runDir, "agent.diff"), []byte(diff), 0o644)
		},

		checkpoint.RunDiffCaptured: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			if art.agentDiff == "" {
				if data, err := os.ReadFile(filepath.Join(art.runDir, "agent.diff")); err == nil {
					art.agentDiff = string(data)
				}
			}
			art.judgePrompt = buildJudgePrompt(spec.TaskPrompt, art.agentDiff)
			path := filepath.Join(art.runDir, "judge_prompt.md")
			if err := os.WriteFile(path, []byte(art.judgePrompt), 0o644); err != nil {
				return fmt.Errorf("write judge prompt: %w", err)
			}
			return nil
		},

		checkpoint.RunJudgePromptBuilt: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			if art.judgePrompt == "" {
				if data, err := os.ReadFile(filepath.Join(art.runDir, "judge_prompt.md")); err == nil {
					art.judgePrompt = string(data)
				}
			}
			stdout, stderr, _, err := spec.JudgeInvoke.Invoke(ctx, art.worktreePath, art.judgePrompt)
			art.judgeStdout, art.judgeStderr = stdout, stderr
			_ = os.WriteFile(filepath.Join(art.runDir, "logs", "judge.stdout.log"), stdout, 0o644)
			_ = os.WriteFile(filepath.Join(art.runDir, "logs", "judge.stderr.log"), stderr, 0o644)

			if ctx.Err() != nil {
				return &herrors.ShutdownInterrupted{Stage: "judge execution"}
			}
			if info, detected := ratelimit.Detect(stdout, stderr, ratelimit.SourceJudge); detected {
				return &herrors.RateLimitError{Source: string(info.Source), RetryAfter: info.RetryAfter.Seconds()}
			}
			if err != nil {
				return fmt.Errorf("judge subprocess: %w", err)
			}
			return nil
		},

		checkpoint.RunJudgeComplete: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			if art.judgeStdout == nil {
				if data, err := os.ReadFile(filepath.Join(art.runDir, "logs", "judge.stdout.log")); err == nil {
					art.judgeStdout = data
				}
			}
			result, err := parseJudgeResult(art.judgeStdout)
			if err != nil {
				return fmt.Errorf("parse judge result: %w", err)
			}
			result.Tier, result.Subtest, result.Run = keys.Tier, keys.Subtest, keys.Run
			art.result = result

			if err := runresult.Save(art.result, art.runDir); err != nil {
				return err
			}
			return runresult.WriteReport(spec.Renderer, art.result, spec.TaskPrompt, string(art.agentStdout), art.runDir)
		},

		checkpoint.RunFinalized: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			if spec.MarkCompleted == nil {
				return nil
			}
			if art.result.Tier == "" {
				if loaded, err := runresult.Load(art.runDir); err == nil {
					art.result = loaded
				}
			}
			return spec.MarkCompleted(art.result.Status())
		},

		checkpoint.RunCheckpointed: func(ctx context.Context) error {
			art.ensurePaths(spec, experimentDir)
			spec.Workspace.CleanupWorktree(ctx, art.worktreePath, art.branch)
			return nil
		},
	}
}

func writeTierConfigCommit(worktreePath string, tierCfg tierconfig.Config) error {
	marker := filepath.Join(worktreePath, ".harness-tier-config")
	content := fmt.Sprintf("tier=%s\nname=%s\n", tierCfg.TierID, tierCfg.Name)
	return os.WriteFile(marker, []byte(content), 0o644)
}

// writeReplayScript records how to reproduce this run's agent
// invocation by hand: same worktree, same prompt, same command the
// harness resolves from the environment.
func writeReplayScript(runDir, worktreePath string) error {
	script := fmt.Sprintf(`#!/bin/sh
# Replay this run's agent invocation.
cd %q
exec "${HARNESS_AGENT_COMMAND:-harness-agent}" < %q
`, worktreePath, filepath.Join(runDir, "prompt.md"))
	return os.WriteFile(filepath.Join(runDir, "replay.sh"), []byte(script), 0o755)
}

func buildJudgePrompt(taskPrompt, diff string) string {
	return fmt.Sprintf("Task:\n%s\n\nDiff:\n%s\n", taskPrompt, diff)
}
