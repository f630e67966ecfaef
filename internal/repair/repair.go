// Package repair implements the `repair` subcommand's reconstruction
// logic: rebuild a checkpoint's completed_runs map by reading each run
// directory's run_result.json and inferring status from judge_passed.
// Repair only touches completed_runs; it never rewrites run_states or
// cascades tier/subtest state.
package repair

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/runresult"
)

// Result summarizes what repair found.
type Result struct {
	RunsDirsScanned int
	RunsRepaired    int
	RunsSkipped     []string // "{tier}/{subtest}/run_{n}" with no readable run_result.json
}

// Repair walks {experimentDir}/runs/{tier}/{subtest}/run_{N} and
// rewrites c.CompletedRuns from each run's run_result.json, in place.
// Callers are expected to Save the checkpoint afterward.
func Repair(c *checkpoint.Checkpoint, experimentDir string) (Result, error) {
	runsRoot := filepath.Join(experimentDir, "runs")

	var result Result
	c.CompletedRuns = map[string]map[string]map[int]string{}

	tierEntries, err := os.ReadDir(runsRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("read runs dir %s: %w", runsRoot, err)
	}

	for _, tierEntry := range tierEntries {
		if !tierEntry.IsDir() {
			continue
		}
		tier := tierEntry.Name()

		subtestEntries, err := os.ReadDir(filepath.Join(runsRoot, tier))
		if err != nil {
			return result, fmt.Errorf("read tier dir %s: %w", tier, err)
		}
		for _, subtestEntry := range subtestEntries {
			if !subtestEntry.IsDir() {
				continue
			}
			subtest := subtestEntry.Name()

			runEntries, err := os.ReadDir(filepath.Join(runsRoot, tier, subtest))
			if err != nil {
				return result, fmt.Errorf("read subtest dir %s/%s: %w", tier, subtest, err)
			}
			for _, runEntry := range runEntries {
				runNum, ok := parseRunDirName(runEntry.Name())
				if !ok || !runEntry.IsDir() {
					continue
				}
				result.RunsDirsScanned++

				runDir := filepath.Join(runsRoot, tier, subtest, runEntry.Name())
				res, err := runresult.Load(runDir)
				if err != nil {
					result.RunsSkipped = append(result.RunsSkipped, fmt.Sprintf("%s/%s/%s", tier, subtest, runEntry.Name()))
					continue
				}

				status := "failed"
				if res.JudgePassed {
					status = "passed"
				}
				if err := c.MarkRunCompleted(tier, subtest, runNum, status); err != nil {
					return result, err
				}
				result.RunsRepaired++
			}
		}
	}

	return result, nil
}

// parseRunDirName extracts the run number from a "run_{N}" directory
// name.
func parseRunDirName(name string) (int, bool) {
	const prefix = "run_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
