package main

import (
	"flag"
	"strconv"
	"strings"
)

// stringList accumulates repeatable flags like --config and --add-judge
// into an ordered slice.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// spaceList splits a single flag value carrying multiple
// space-separated tokens, used for --tiers "T0 T1", since stdlib flag
// has no native multi-value-per-flag support. Only that one value is
// split: unquoted tokens after the flag are not collected.
func spaceList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

func parseIntList(vals []string) ([]int, error) {
	if vals == nil {
		return nil, nil
	}
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// runArgs is the typed result of parsing the `run` subcommand's flags.
type runArgs struct {
	configs     stringList
	repo        string
	commit      string
	tiers       string
	runs        int
	maxSubtests int
	parallel    int
	parHigh     int
	parMed      int
	parLow      int
	model       string
	judge       string
	addJudge    stringList

	until           string
	untilTier       string
	untilExperiment string
	from            string
	fromTier        string
	fromExperiment  string

	filterTier   string
	filterSub    string
	filterRun    string
	filterStatus string

	fresh             bool
	retryErrors       bool
	tests             string
	skipJudgeValidate bool
	timeout           int
	thinking          string
	logLevel          string
}

func parseRunArgs(args []string) (*runArgs, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	a := &runArgs{}

	fs.Var(&a.configs, "config", "test directory, test-* parent, or single yaml file (repeatable)")
	fs.StringVar(&a.repo, "repo", "", "target repository URL")
	fs.StringVar(&a.commit, "commit", "", "target commit SHA")
	fs.StringVar(&a.tiers, "tiers", "", "space-separated subset of tiers to run")
	fs.IntVar(&a.runs, "runs", 0, "runs per subtest")
	fs.IntVar(&a.maxSubtests, "max-subtests", 0, "cap on subtests dispatched per tier")
	fs.IntVar(&a.parallel, "parallel", 0, "parallel subtests")
	fs.IntVar(&a.parHigh, "parallel-high", 0, "high memory-class concurrency")
	fs.IntVar(&a.parMed, "parallel-med", 0, "med memory-class concurrency")
	fs.IntVar(&a.parLow, "parallel-low", 0, "low memory-class concurrency")
	fs.StringVar(&a.model, "model", "", "agent model id or alias")
	fs.StringVar(&a.judge, "judge-model", "", "judge model id or alias")
	fs.Var(&a.addJudge, "add-judge", "additional judge model id (repeatable)")

	fs.StringVar(&a.until, "until", "", "stop inclusive of this run state")
	fs.StringVar(&a.untilTier, "until-tier", "", "stop inclusive of this tier state")
	fs.StringVar(&a.untilExperiment, "until-experiment", "", "stop inclusive of this experiment state")
	fs.StringVar(&a.from, "from", "", "rewind run state at or past this value")
	fs.StringVar(&a.fromTier, "from-tier", "", "rewind tier state at or past this value")
	fs.StringVar(&a.fromExperiment, "from-experiment", "", "rewind experiment state at or past this value")

	fs.StringVar(&a.filterTier, "filter-tier", "", "restrict --from scope to this tier")
	fs.StringVar(&a.filterSub, "filter-subtest", "", "restrict --from scope to this subtest")
	fs.StringVar(&a.filterRun, "filter-run", "", "restrict --from scope to this run number")
	fs.StringVar(&a.filterStatus, "filter-status", "", "restrict --from scope to this completed_runs status")

	fs.BoolVar(&a.fresh, "fresh", false, "ignore existing checkpoint")
	fs.BoolVar(&a.retryErrors, "retry-errors", false, "shorthand for --from pending --filter-status failed")
	fs.StringVar(&a.tests, "tests", "", "batch-mode filter by experiment id")
	fs.BoolVar(&a.skipJudgeValidate, "skip-judge-validation", false, "bypass API liveness check on judge")
	fs.IntVar(&a.timeout, "timeout", 0, "per-run timeout in seconds")
	fs.StringVar(&a.thinking, "thinking", "", "agent reasoning effort: None, Low, Med, High")
	fs.StringVar(&a.logLevel, "log-level", "info", "debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return a, nil
}

func parseRepairArgs(args []string) (checkpointPath string, err error) {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		return "", errMissingCheckpointPath
	}
	return fs.Arg(0), nil
}
