package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/scheduler"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

// ExperimentSpec carries everything the top-level driver needs: the
// repo to clone, the tiers to run (already resolved by the resume
// manager's additive-expansion merge), and the per-tier subtest/run
// shape. UntilRun/UntilTier thread the --until / --until-tier stops
// down to the machines that honor them.
type ExperimentSpec struct {
	ExperimentDir string
	RepoURL       string
	Commit        string
	TierIDs       []string
	SubtestsFor   func(tier string) []string
	RunsPerTest   int
	UntilRun      *checkpoint.RunState
	UntilTier     *checkpoint.TierState
	Loader        *tierconfig.Loader
	Checkpoint    *checkpoint.Checkpoint
	Save          func() error
	Gates         *scheduler.Gates
	Limits        scheduler.Limits
	Workspace     *workspace.Manager
	NewAgent      func(tier, subtest string, run int) Invoker
	NewJudge      func(tier, subtest string, run int) Invoker
	Renderer      runresult.ReportRenderer
	PromptFor     func(cfg tierconfig.Config, subtest string) string
}

// BuildExperimentActions returns the ExperimentActions map driving the
// whole experiment through ExperimentState: create the experiment
// directory tree out of INITIALIZING, clone the base repo out of
// DIR_CREATED, dispatch every configured tier out of TIERS_RUNNING,
// then the experiment-level report/finalize hook points (content
// generation is an external collaborator). Keying the tier dispatch
// on TIERS_RUNNING means a revived or resumed experiment re-enters
// its tier loop directly.
func BuildExperimentActions(spec ExperimentSpec) statemachine.ExperimentActions {
	return statemachine.ExperimentActions{
		checkpoint.ExpInitializing: func(ctx context.Context) error {
			if err := os.MkdirAll(filepath.Join(spec.ExperimentDir, "runs"), 0o755); err != nil {
				return fmt.Errorf("create experiment directory tree: %w", err)
			}
			return nil
		},

		checkpoint.ExpDirCreated: func(ctx context.Context) error {
			return spec.Workspace.SetupBaseRepo(ctx, spec.RepoURL, spec.Commit)
		},

		checkpoint.ExpTiersRunning: func(ctx context.Context) error {
			for _, tier := range spec.TierIDs {
				if err := ctx.Err(); err != nil {
					return &herrors.ShutdownInterrupted{Stage: "experiment"}
				}
				tierMachine := &statemachine.TierMachine{Checkpoint: spec.Checkpoint, Save: spec.Save}

				subtests := []string{}
				if spec.SubtestsFor != nil {
					subtests = spec.SubtestsFor(tier)
				}

				tierSpec := TierSpec{
					TierID:      tier,
					SubtestIDs:  subtests,
					RunsPerTest: spec.RunsPerTest,
					UntilRun:    spec.UntilRun,
					Loader:      spec.Loader,
					Checkpoint:  spec.Checkpoint,
					Save:        spec.Save,
					Gates:       spec.Gates,
					Limits:      spec.Limits,
					Workspace:   spec.Workspace,
					NewAgent:    spec.NewAgent,
					NewJudge:    spec.NewJudge,
					Renderer:    spec.Renderer,
					PromptFor:   spec.PromptFor,
				}
				actions := BuildTierActions(tierSpec, spec.ExperimentDir)

				_, err := tierMachine.AdvanceToCompletion(ctx, tier, actions, spec.UntilTier)
				if err != nil && (herrors.IsShutdown(err) || herrors.IsRateLimit(err)) {
					return err
				}
				// A tier going FAILED does not stop its siblings.
			}

			for _, tier := range spec.TierIDs {
				state := spec.Checkpoint.GetTierState(tier)
				if state.IsTerminal() {
					continue
				}
				if spec.UntilRun != nil || spec.UntilTier != nil {
					return &herrors.UntilHaltError{Reached: string(state)}
				}
				return fmt.Errorf("experiment: tier %s not terminal (state %s)", tier, state)
			}
			return nil
		},

		checkpoint.ExpTiersComplete: func(ctx context.Context) error {
			// Experiment-level report content generation is an
			// external collaborator.
			return nil
		},

		checkpoint.ExpReportsGenerated: func(ctx context.Context) error {
			return nil
		},
	}
}
