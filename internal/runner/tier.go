package runner

import (
	"context"
	"fmt"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/runresult"
	"github.com/evalharness/harness/internal/scheduler"
	"github.com/evalharness/harness/internal/statemachine"
	"github.com/evalharness/harness/internal/tierconfig"
	"github.com/evalharness/harness/internal/workspace"
)

// TierSpec carries what one tier's action set needs: its ID, the
// subtests it must dispatch (fixture discovery is an external
// collaborator; the caller supplies the list), and the shared
// collaborators each subtest/run needs.
type TierSpec struct {
	TierID      string
	SubtestIDs  []string
	RunsPerTest int
	UntilRun    *checkpoint.RunState
	Loader      *tierconfig.Loader
	Checkpoint  *checkpoint.Checkpoint
	Save        func() error
	Gates       *scheduler.Gates
	Limits      scheduler.Limits
	Workspace   *workspace.Manager
	NewAgent    func(tier, subtest string, run int) Invoker
	NewJudge    func(tier, subtest string, run int) Invoker
	Renderer    runresult.ReportRenderer
	PromptFor   func(cfg tierconfig.Config, subtest string) string
}

// BuildTierActions returns the TierActions map driving one tier
// through TierState: load its config out of PENDING, fan its subtests
// out bounded by parallel_subtests from SUBTESTS_RUNNING, then the
// best-run-selection and report-generation steps, both of which are
// external collaborators; this package only leaves the hook points
// for them. Keying the dispatch on SUBTESTS_RUNNING means a tier
// revived there by the resume manager re-enters its subtest batch
// directly.
func BuildTierActions(spec TierSpec, experimentDir string) statemachine.TierActions {
	var tierCfg tierconfig.Config

	loadConfig := func() error {
		if tierCfg.TierID != "" {
			return nil
		}
		cfg, err := spec.Loader.GetTier(spec.TierID)
		if err != nil {
			return fmt.Errorf("load tier config: %w", err)
		}
		tierCfg = cfg
		return nil
	}

	return statemachine.TierActions{
		checkpoint.TierPending: func(ctx context.Context) error {
			return loadConfig()
		},

		checkpoint.TierSubtestsRunning: func(ctx context.Context) error {
			// A resumed tier lands here without the PENDING action
			// having run in this process.
			if err := loadConfig(); err != nil {
				return err
			}

			work := func(ctx context.Context, subtest string) error {
				if err := ctx.Err(); err != nil {
					return &herrors.ShutdownInterrupted{Stage: "tier:" + spec.TierID}
				}
				keys := statemachine.SubtestKeys{Tier: spec.TierID, Subtest: subtest}
				subtestMachine := &statemachine.SubtestMachine{Checkpoint: spec.Checkpoint, Save: spec.Save}

				prompt := ""
				if spec.PromptFor != nil {
					prompt = spec.PromptFor(tierCfg, subtest)
				}

				subtestSpec := SubtestSpec{
					Keys:       keys,
					NumRuns:    spec.RunsPerTest,
					TierCfg:    tierCfg,
					TaskPrompt: prompt,
					UntilRun:   spec.UntilRun,
					Checkpoint: spec.Checkpoint,
					Save:       spec.Save,
					Gate:       spec.Gates,
					Workspace:  spec.Workspace,
					Renderer:   spec.Renderer,
				}
				if spec.NewAgent != nil {
					subtestSpec.NewAgent = func(run int) Invoker { return spec.NewAgent(spec.TierID, subtest, run) }
				}
				if spec.NewJudge != nil {
					subtestSpec.NewJudge = func(run int) Invoker { return spec.NewJudge(spec.TierID, subtest, run) }
				}

				actions := BuildSubtestActions(subtestSpec, experimentDir)
				_, err := subtestMachine.AdvanceToCompletion(ctx, keys, actions, nil)
				if err != nil && (herrors.IsShutdown(err) || herrors.IsRateLimit(err)) {
					return err
				}
				// A subtest going FAILED does not stop its siblings;
				// its state is already recorded.
				return nil
			}
			if err := scheduler.RunSubtests(ctx, spec.Limits, spec.SubtestIDs, work); err != nil {
				return err
			}

			for _, subtest := range spec.SubtestIDs {
				state := spec.Checkpoint.GetSubtestState(spec.TierID, subtest)
				if state.IsTerminal() {
					continue
				}
				if spec.UntilRun != nil {
					return &herrors.UntilHaltError{Reached: string(*spec.UntilRun)}
				}
				return fmt.Errorf("tier %s: subtest %s not terminal (state %s)", spec.TierID, subtest, state)
			}
			return nil
		},

		checkpoint.TierSubtestsComplete: func(ctx context.Context) error {
			// Best-run selection is an external collaborator; each
			// subtest's runs are already durably recorded.
			return nil
		},

		checkpoint.TierBestSelected: func(ctx context.Context) error {
			// Report content generation is an external collaborator;
			// runresult.WriteReport already wrote one report.md per run.
			return nil
		},

		checkpoint.TierReportsGenerated: func(ctx context.Context) error {
			return nil
		},
	}
}
