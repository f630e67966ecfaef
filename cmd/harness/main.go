// Command harness is the top-level CLI entry point: a `run` subcommand
// driving the four-level state machine to completion (or to a
// requested --until checkpoint) across one or more test.yaml configs,
// and a `repair` subcommand reconstructing a checkpoint's
// completed_runs bookkeeping.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/evalharness/harness/internal/envfile"
)

var errMissingCheckpointPath = errors.New("repair requires a checkpoint path argument")

func main() {
	if err := envfile.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(mainRun(os.Args[1:]))
}

func mainRun(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "repair":
		return repairCommand(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: harness <run|repair> [flags]")
}
