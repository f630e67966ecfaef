package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/expconfig"
	"github.com/evalharness/harness/internal/health"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/obslog"
	"github.com/evalharness/harness/internal/ratelimit"
	"github.com/evalharness/harness/internal/resume"
	"github.com/evalharness/harness/internal/runner"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/scheduler"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

var defaultTierIDs = []string{"T0", "T1", "T2", "T3"}

func runCommand(argv []string) int {
	a, err := parseRunArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level, err := obslog.ParseLevel(a.logLevel)
	if err != nil {
		level = 0
	}
	obslog.Init(level, os.Stderr)

	if len(a.configs) == 0 {
		slog.Error("run requires at least one --config")
		return 1
	}

	var testPaths []string
	for _, cfgPath := range a.configs {
		resolved, err := expconfig.Resolve(cfgPath)
		if err != nil {
			slog.Error("resolve config", "path", cfgPath, "error", err)
			return 1
		}
		testPaths = append(testPaths, resolved...)
	}

	testFilter := spaceList(a.tests)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	for _, path := range testPaths {
		if len(testFilter) > 0 {
			cfg, err := expconfig.Load(path)
			if err != nil {
				slog.Error("load config", "path", path, "error", err)
				exitCode = 1
				continue
			}
			if !contains(testFilter, cfg.ExperimentID) {
				continue
			}
		}
		if err := runOneExperiment(ctx, path, a); err != nil {
			slog.Error("experiment failed", "path", path, "error", err)
			exitCode = 1
		}
	}
	return exitCode
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// runOneExperiment drives a single test.yaml through the experiment
// state machine to completion (or to a requested --until checkpoint).
func runOneExperiment(ctx context.Context, configPath string, a *runArgs) error {
	cfg, err := expconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg, a)

	configDir := filepath.Dir(configPath)
	experimentDir := filepath.Join("experiments", cfg.ExperimentID)
	if err := os.MkdirAll(experimentDir, 0o755); err != nil {
		return fmt.Errorf("create experiment dir: %w", err)
	}
	checkpointPath := filepath.Join(experimentDir, "checkpoint.json")
	pidPath := filepath.Join(experimentDir, "experiment.pid")

	rawCfg, err := expconfig.ToRawMap(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	configHash, err := checkpoint.ComputeConfigHash(rawCfg)
	if err != nil {
		return fmt.Errorf("compute config hash: %w", err)
	}

	requestedTiers := spaceList(a.tiers)
	if len(requestedTiers) == 0 {
		requestedTiers = defaultTierIDs
	}

	if a.fresh {
		_ = os.Remove(checkpointPath)
	}

	var c *checkpoint.Checkpoint
	tiersToRun := requestedTiers

	if _, statErr := os.Stat(checkpointPath); statErr == nil && !a.fresh {
		c, err = checkpoint.Load(checkpointPath)
		if err != nil {
			return err
		}
		if c.ConfigHash != configHash {
			return fmt.Errorf("%w: experiment %s", herrors.ErrConfigMismatch, cfg.ExperimentID)
		}

		mgr := resume.New(c, checkpointPath)
		ephemeral := resume.EphemeralCLIArgs{}
		if a.until != "" {
			ephemeral.UntilRunState = &a.until
		}
		if a.maxSubtests != 0 {
			ephemeral.MaxSubtests = &a.maxSubtests
		}
		if a.untilTier != "" {
			ephemeral.UntilTierState = &a.untilTier
		}
		if a.untilExperiment != "" {
			ephemeral.UntilExperimentState = &a.untilExperiment
		}
		if a.parallel != 0 {
			ephemeral.ParallelSubtests = &a.parallel
		}
		if a.parHigh != 0 {
			ephemeral.ParallelHigh = &a.parHigh
		}
		if a.parMed != 0 {
			ephemeral.ParallelMed = &a.parMed
		}
		if a.parLow != 0 {
			ephemeral.ParallelLow = &a.parLow
		}

		tiersToRun, err = mgr.Resume(experimentDir, health.DefaultHeartbeatTimeout, rawCfg, ephemeral, existingTiers(c), requestedTiers)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}

		applyFromFlags(c, a)
	} else {
		c = checkpoint.New(cfg.ExperimentID, experimentDir)
		c.ConfigHash = configHash
	}

	pid := os.Getpid()
	c.PID = &pid
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	save := func() error { return checkpoint.Save(c, checkpointPath) }
	if err := save(); err != nil {
		return err
	}

	stopHeartbeat := make(chan struct{})
	go health.HeartbeatLoop(checkpointPath, health.DefaultHeartbeatInterval, stopHeartbeat)
	defer close(stopHeartbeat)

	loader, err := tierconfig.NewLoader(configDir)
	if err != nil {
		return fmt.Errorf("load tier config: %w", err)
	}

	limits := scheduler.DefaultLimits()
	if cfg.ParallelSubtests != 0 {
		limits.ParallelSubtests = cfg.ParallelSubtests
	}
	if cfg.ParallelHigh != 0 {
		limits.High = cfg.ParallelHigh
	}
	if cfg.ParallelMed != 0 {
		limits.Med = cfg.ParallelMed
	}
	if cfg.ParallelLow != 0 {
		limits.Low = cfg.ParallelLow
	}
	if a.parHigh != 0 {
		limits.High = a.parHigh
	}
	if a.parMed != 0 {
		limits.Med = a.parMed
	}
	if a.parLow != 0 {
		limits.Low = a.parLow
	}
	gates := scheduler.NewGates(limits)

	ws := workspace.New(experimentDir)

	agentCommand := envOr("HARNESS_AGENT_COMMAND", "harness-agent")
	judgeCommand := envOr("HARNESS_JUDGE_COMMAND", "harness-judge")
	runTimeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var untilRun *checkpoint.RunState
	if a.until != "" {
		s := checkpoint.RunState(a.until)
		untilRun = &s
	}
	var untilTier *checkpoint.TierState
	if a.untilTier != "" {
		s := checkpoint.TierState(a.untilTier)
		untilTier = &s
	}

	spec := runner.ExperimentSpec{
		ExperimentDir: experimentDir,
		RepoURL:       cfg.Repo,
		Commit:        cfg.Commit,
		TierIDs:       tiersToRun,
		SubtestsFor: func(tier string) []string {
			subtests := discoverSubtests(configDir, tier)
			if cfg.MaxSubtests > 0 && len(subtests) > cfg.MaxSubtests {
				subtests = subtests[:cfg.MaxSubtests]
			}
			return subtests
		},
		RunsPerTest: cfg.Runs,
		UntilRun:    untilRun,
		UntilTier:   untilTier,
		Loader:      loader,
		Checkpoint:  c,
		Save:        save,
		Gates:       gates,
		Limits:      limits,
		Workspace:   ws,
		NewAgent: func(tier, subtest string, run int) runner.Invoker {
			return runner.CommandInvoker{Command: agentCommand, Timeout: runTimeout}
		},
		NewJudge: func(tier, subtest string, run int) runner.Invoker {
			return runner.CommandInvoker{Command: judgeCommand, Timeout: runTimeout}
		},
		Renderer: runresult.MarkdownRenderer{},
		PromptFor: func(tc tierconfig.Config, subtest string) string {
			return tc.PromptContent
		},
	}

	actions := runner.BuildExperimentActions(spec)
	machine := &statemachine.ExperimentMachine{Checkpoint: c, Save: save}

	var until *checkpoint.ExperimentState
	if a.untilExperiment != "" {
		s := checkpoint.ExperimentState(a.untilExperiment)
		until = &s
	}

	var final checkpoint.ExperimentState
	for {
		final, err = machine.AdvanceToCompletion(ctx, actions, until)
		if err == nil {
			break
		}
		if herrors.IsShutdown(err) {
			c.Status = "interrupted"
			_ = save()
			slog.Warn("experiment interrupted", "experiment_id", cfg.ExperimentID, "state", final)
			return err
		}
		rl, ok := herrors.AsRateLimit(err)
		if !ok || ctx.Err() != nil {
			return err
		}

		// Pause for the detected rate limit, then re-attempt the
		// affected runs from a dispatchable state.
		info := &ratelimit.Info{
			Source:     ratelimit.Source(rl.Source),
			RetryAfter: time.Duration(rl.RetryAfter * float64(time.Second)),
		}
		if perr := ratelimit.PauseAndWait(ctx, c, save, info, time.Now); perr != nil {
			return perr
		}
		resume.New(c, checkpointPath).ReviveFailedStates()
		reset := checkpoint.ResetRateLimitedRuns(c)
		slog.Info("retrying after rate limit", "experiment_id", cfg.ExperimentID, "runs_reset", reset)
		if err := save(); err != nil {
			return err
		}
	}

	if machine.IsComplete() {
		c.Status = "completed"
	} else {
		// Halted deliberately by --until; the next invocation's
		// resume path revives an interrupted experiment.
		c.Status = "interrupted"
	}
	_ = save()
	slog.Info("experiment finished", "experiment_id", cfg.ExperimentID, "state", final)
	return nil
}

func existingTiers(c *checkpoint.Checkpoint) []string {
	out := make([]string, 0, len(c.TierStates))
	for tier := range c.TierStates {
		out = append(out, tier)
	}
	return out
}

func applyCLIOverrides(cfg *expconfig.ExperimentConfig, a *runArgs) {
	if a.repo != "" {
		cfg.Repo = a.repo
	}
	if a.commit != "" {
		cfg.Commit = a.commit
	}
	if a.runs != 0 {
		cfg.Runs = a.runs
	}
	if a.model != "" {
		cfg.Model = a.model
	}
	if a.judge != "" {
		cfg.JudgeModel = a.judge
	}
	if len(a.addJudge) > 0 {
		seen := map[string]bool{cfg.JudgeModel: true}
		for _, j := range cfg.AddJudges {
			seen[j] = true
		}
		for _, j := range a.addJudge {
			if !seen[j] {
				cfg.AddJudges = append(cfg.AddJudges, j)
				seen[j] = true
			}
		}
	}
	if a.timeout != 0 {
		cfg.TimeoutSeconds = a.timeout
	}
	if a.maxSubtests != 0 {
		cfg.MaxSubtests = a.maxSubtests
	}
	if a.thinking != "" {
		cfg.Thinking = expconfig.ThinkingLevel(a.thinking)
	}
	if a.skipJudgeValidate {
		cfg.SkipJudgeValidation = true
	}
	// --parallel-* overrides are applied to the scheduler limits
	// directly rather than the config: only parallel_subtests is in
	// the hash-exempt ephemeral set, and rewriting the others here
	// would change config_hash and wrongly refuse an otherwise valid
	// resume.
	if a.parallel != 0 {
		cfg.ParallelSubtests = a.parallel
	}
}

// applyFromFlags applies the --from/--from-tier/--from-experiment
// rewind flags, plus --retry-errors as a shorthand for
// --from pending --filter-status failed.
func applyFromFlags(c *checkpoint.Checkpoint, a *runArgs) {
	opts := checkpoint.ResetOptions{}
	if a.filterTier != "" {
		opts.TierFilter = spaceList(a.filterTier)
	}
	if a.filterSub != "" {
		opts.SubtestFilter = spaceList(a.filterSub)
	}
	if a.filterRun != "" {
		if runs, err := parseIntList(spaceList(a.filterRun)); err == nil {
			opts.RunFilter = runs
		}
	}
	if a.filterStatus != "" {
		opts.StatusFilter = spaceList(a.filterStatus)
	}

	if a.retryErrors {
		retryOpts := opts
		retryOpts.StatusFilter = []string{"failed"}
		checkpoint.ResetRunsForFromState(c, checkpoint.RunPending, retryOpts)
	}
	if a.from != "" {
		checkpoint.ResetRunsForFromState(c, checkpoint.RunState(a.from), opts)
	}
	if a.fromTier != "" {
		checkpoint.ResetTiersForFromState(c, checkpoint.TierState(a.fromTier), opts.TierFilter)
	}
	if a.fromExperiment != "" {
		checkpoint.ResetExperimentForFromState(c, checkpoint.ExperimentState(a.fromExperiment))
	}
}

// discoverSubtests lists subtest fixture directories for a tier under
// {configDir}/fixtures/{tier}. Fixture content is composed by external
// tooling; the harness only needs the subtest IDs to dispatch. Falls
// back to a single "00" subtest when no fixtures directory is present,
// so a minimal config can still exercise the full pipeline.
func discoverSubtests(configDir, tier string) []string {
	dir := filepath.Join(configDir, "fixtures", tier)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return []string{"00"}
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	if len(out) == 0 {
		return []string{"00"}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
