package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/evalharness/harness/internal/checkpoint"
	"github.com/evalharness/harness/internal/herrors"
	"github.com/evalharness/harness/internal/obslog"
	"github.com/evalharness/harness/internal/repair"
)

func repairCommand(argv []string) int {
	obslog.Init(0, os.Stderr)

	checkpointPath, err := parseRepairArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	c, err := checkpoint.Load(checkpointPath)
	if err != nil {
		if errors.Is(err, herrors.ErrCheckpointNotFound) || errors.Is(err, herrors.ErrCheckpointCorrupt) || errors.Is(err, herrors.ErrIncompatibleVersion) {
			slog.Error("repair: checkpoint unreadable", "path", checkpointPath, "error", err)
			return 2
		}
		slog.Error("repair: load checkpoint", "path", checkpointPath, "error", err)
		return 2
	}

	experimentDir := filepath.Dir(checkpointPath)
	result, err := repair.Repair(c, experimentDir)
	if err != nil {
		slog.Error("repair failed", "error", err)
		return 1
	}

	if err := checkpoint.Save(c, checkpointPath); err != nil {
		slog.Error("repair: save checkpoint", "error", err)
		return 1
	}

	slog.Info("repair complete",
		"run_dirs_scanned", result.RunsDirsScanned,
		"runs_repaired", result.RunsRepaired,
		"runs_skipped", len(result.RunsSkipped),
	)
	if len(result.RunsSkipped) > 0 {
		slog.Warn("repair: unreadable run directories", "dirs", result.RunsSkipped)
	}
	return 0
}
