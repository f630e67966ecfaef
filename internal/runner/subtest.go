package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

// SubtestSpec carries what one subtest's action set needs to dispatch
// its configured run batch. UntilRun, when set, stops every run
// inclusive of that state and halts the batch instead of completing it.
type SubtestSpec struct {
	Keys        statemachine.SubtestKeys
	NumRuns     int
	TierCfg     tierconfig.Config
	TaskPrompt  string
	UntilRun    *checkpoint.RunState
	Checkpoint  *checkpoint.Checkpoint
	Save        func() error
	Gate        statemachine.Gate
	Workspace   *workspace.Manager
	NewAgent    func(run int) Invoker
	NewJudge    func(run int) Invoker
	Renderer    runresult.ReportRenderer
}

// BuildSubtestActions returns the SubtestActions map driving one
// subtest through SubtestState. The PENDING action fans its run batch
// out concurrently via errgroup; the RUNS_IN_PROGRESS action re-drives
// any run a prior invocation left incomplete, then verifies the batch
// is terminal. Bounding how many runs may execute in parallel is the
// memory-class gate's job, not this dispatcher's: each run blocks on
// its own gate acquisitions as it advances through RunState.
func BuildSubtestActions(spec SubtestSpec, experimentDir string) statemachine.SubtestActions {
	keys := spec.Keys

	dispatch := func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for run := 1; run <= spec.NumRuns; run++ {
			run := run
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return &herrors.ShutdownInterrupted{Stage: "subtest:" + keys.Tier + "/" + keys.Subtest}
				}
				runKeys := statemachine.RunKeys{Tier: keys.Tier, Subtest: keys.Subtest, Run: run}
				runMachine := &statemachine.RunMachine{Checkpoint: spec.Checkpoint, Save: spec.Save, Gate: spec.Gate}

				runSpec := RunSpec{
					Keys:       runKeys,
					TierCfg:    spec.TierCfg,
					TaskPrompt: spec.TaskPrompt,
					Workspace:  spec.Workspace,
					Renderer:   spec.Renderer,
					MarkCompleted: func(status string) error {
						return spec.Checkpoint.MarkRunCompleted(keys.Tier, keys.Subtest, run, status)
					},
				}
				if spec.NewAgent != nil {
					runSpec.AgentInvoke = spec.NewAgent(run)
				}
				if spec.NewJudge != nil {
					runSpec.JudgeInvoke = spec.NewJudge(run)
				}

				actions := BuildRunActions(runSpec, experimentDir)
				_, err := runMachine.AdvanceToCompletion(gctx, runKeys, actions, spec.UntilRun)
				if err != nil && (herrors.IsShutdown(err) || herrors.IsRateLimit(err)) {
					return err
				}
				// A run going FAILED is already recorded in the
				// checkpoint and must not cancel its siblings.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for run := 1; run <= spec.NumRuns; run++ {
			state := spec.Checkpoint.GetRunState(keys.Tier, keys.Subtest, run)
			if state.IsTerminal() {
				continue
			}
			if spec.UntilRun != nil {
				return &herrors.UntilHaltError{Reached: string(*spec.UntilRun)}
			}
			return fmt.Errorf("subtest %s/%s: run %d not terminal (state %s)", keys.Tier, keys.Subtest, run, state)
		}
		return nil
	}

	return statemachine.SubtestActions{
		checkpoint.SubtestPending:        dispatch,
		checkpoint.SubtestRunsInProgress: dispatch,

		checkpoint.SubtestRunsComplete: func(ctx context.Context) error {
			// Cross-run statistical aggregation is an external
			// collaborator; each run's own run_result.json already
			// carries its score and pass/fail verdict.
			return nil
		},
	}
}
