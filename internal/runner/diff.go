package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/evalharness/harness/internal/runresult"
)

// gitDiff captures the working tree's uncommitted diff, used at both
// the baseline-capture and agent-diff-capture transitions.
func gitDiff(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git diff: %w: %s", err, out)
	}
	return string(out), nil
}

// judgeOutput is the JSON shape a judge invoker is expected to print
// to stdout: the minimal field set needed to build a RunResult. How
// the judge arrives at these values is its own business.
type judgeOutput struct {
	Passed    bool                                 `json:"passed"`
	Score     float64                              `json:"score"`
	Grade     string                                `json:"grade"`
	Reasoning string                                `json:"reasoning"`
	Criteria  map[string]runresult.CriterionScore   `json:"criteria"`
	CostUSD   float64                               `json:"cost_usd"`
	Tokens    struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func parseJudgeResult(stdout []byte) (runresult.RunResult, error) {
	var out judgeOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return runresult.RunResult{}, err
	}
	return runresult.RunResult{
		JudgePassed:     out.Passed,
		Score:           out.Score,
		Grade:           out.Grade,
		Reasoning:       out.Reasoning,
		CriteriaScores:  out.Criteria,
		CostUSD:         out.CostUSD,
		InputTokens:     out.Tokens.Input,
		OutputTokens:    out.Tokens.Output,
		DurationSeconds: out.DurationSeconds,
	}, nil
}
