// Package runresult owns the durable per-run record: run_result.json
// and the report.md rendered from it. The judge-scoring content itself
// is supplied by the judge subprocess; this package only defines the
// shape `repair` reads back off disk and a swappable renderer for the
// human-readable summary.
package runresult

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CriterionScore is one rubric criterion's judged score.
type CriterionScore struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

// RunResult is the durable record a run writes to run_result.json
// before handing off to aggregation.
type RunResult struct {
	Tier    string `json:"tier"`
	Subtest string `json:"subtest"`
	Run     int    `json:"run"`

	JudgePassed bool    `json:"judge_passed"`
	Score       float64 `json:"score"`
	Grade       string  `json:"grade"`
	Reasoning   string  `json:"reasoning"`

	CostUSD         float64 `json:"cost_usd"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	DurationSeconds float64 `json:"duration_seconds"`
	ExitCode        int     `json:"exit_code"`

	CriteriaScores map[string]CriterionScore `json:"criteria_scores,omitempty"`
	Error          *string                   `json:"error,omitempty"`
}

// Status derives the completed_runs-style status string from a
// result: "failed" if an error or judge failure was recorded,
// "passed" otherwise.
func (r RunResult) Status() string {
	if r.Error != nil {
		return "failed"
	}
	if !r.JudgePassed {
		return "failed"
	}
	return "passed"
}

// Save writes result as indented JSON to {runDir}/run_result.json.
func Save(result RunResult, runDir string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run_result.json: %w", err)
	}
	path := filepath.Join(runDir, "run_result.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Load reads {runDir}/run_result.json, returning an error runresult
// callers can test with os.IsNotExist for the "no result yet" case.
func Load(runDir string) (RunResult, error) {
	path := filepath.Join(runDir, "run_result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RunResult{}, err
	}
	var r RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return RunResult{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return r, nil
}

// ReportRenderer renders a RunResult (plus the task prompt and any
// truncated agent output) into the human-readable report.md content.
// This module provides one concrete string-building implementation;
// the judge-scoring content it formats remains supplied by the
// caller, keeping judge-prompt construction itself external.
type ReportRenderer interface {
	Render(result RunResult, taskPrompt, agentOutput string) string
}

// MarkdownRenderer builds report.md by joining lines.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Render(r RunResult, taskPrompt, agentOutput string) string {
	status := "✗ FAIL"
	if r.JudgePassed {
		status = "✓ PASS"
	}

	lines := []string{
		fmt.Sprintf("# Run Report: %s/%s/run_%02d", r.Tier, r.Subtest, r.Run),
		"",
		"## Summary",
		"",
		"| Metric | Value |",
		"|--------|-------|",
		fmt.Sprintf("| Score | %.3f |", r.Score),
		fmt.Sprintf("| Grade | %s |", r.Grade),
		fmt.Sprintf("| Status | %s |", status),
		fmt.Sprintf("| Cost | $%.4f |", r.CostUSD),
		fmt.Sprintf("| Duration | %.2fs |", r.DurationSeconds),
		fmt.Sprintf("| Tokens | %d in / %d out |", r.InputTokens, r.OutputTokens),
		fmt.Sprintf("| Exit Code | %d |", r.ExitCode),
		"",
		"---",
		"",
		"## Task",
		"",
		taskPrompt,
		"",
		"---",
		"",
		"## Judge Evaluation",
		"",
		r.Reasoning,
		"",
	}

	if len(r.CriteriaScores) > 0 {
		lines = append(lines,
			"### Criteria Scores",
			"",
			"| Criterion | Score | Explanation |",
			"|-----------|-------|-------------|",
		)
		for criterion, cs := range r.CriteriaScores {
			explanation := cs.Explanation
			if len(explanation) > 100 {
				explanation = explanation[:100] + "..."
			}
			explanation = strings.ReplaceAll(explanation, "|", "\\|")
			lines = append(lines, fmt.Sprintf("| %s | %.2f | %s |", criterion, cs.Score, explanation))
		}
		lines = append(lines, "")
	}

	if agentOutput != "" {
		lines = append(lines, "---", "", "## Agent Output", "", "```", agentOutput, "```", "")
	}

	if r.Error != nil {
		lines = append(lines, "---", "", "## Error", "", *r.Error, "")
	}

	return strings.Join(lines, "\n")
}

// WriteReport renders and writes report.md to runDir.
func WriteReport(renderer ReportRenderer, result RunResult, taskPrompt, agentOutput, runDir string) error {
	content := renderer.Render(result, taskPrompt, agentOutput)
	path := filepath.Join(runDir, "report.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
