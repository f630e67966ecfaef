// Package health implements zombie detection and the background
// heartbeat writer: a "zombie" experiment is one whose checkpoint
// still says running but whose process died without a clean shutdown
// (OOM kill, SIGKILL, preempted VM).
package health

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/evalharness/harness/internal/checkpoint"
)

// DefaultHeartbeatTimeout is how stale last_heartbeat must be, with a
// dead PID, before an experiment is declared a zombie.
const DefaultHeartbeatTimeout = 120 * time.Second

// DefaultHeartbeatInterval is how often HeartbeatLoop rewrites
// last_heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

func pidIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func heartbeatIsStale(lastHeartbeat string, timeout time.Duration) bool {
	if lastHeartbeat == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, lastHeartbeat)
	if err != nil {
		return true
	}
	return time.Since(t) > timeout
}

// IsZombie reports whether c represents a zombie experiment: status is
// "running", its PID (from the checkpoint or experiment.pid) is dead,
// and its last heartbeat has gone stale.
func IsZombie(c *checkpoint.Checkpoint, experimentDir string, timeout time.Duration) bool {
	if c.Status != "running" {
		return false
	}

	pid := 0
	if c.PID != nil {
		pid = *c.PID
	} else if data, err := os.ReadFile(experimentDir + "/experiment.pid"); err == nil {
		var parsed int
		if _, scanErr := fmt.Sscanf(string(data), "%d", &parsed); scanErr == nil {
			pid = parsed
		}
	}

	if pid != 0 && pidIsAlive(pid) {
		return false
	}

	if heartbeatIsStale(c.LastHeartbeat, timeout) {
		slog.Warn("zombie experiment detected", "status", c.Status, "pid", pid, "last_heartbeat", c.LastHeartbeat)
		return true
	}
	return false
}

// ResetZombieCheckpoint flips a zombie checkpoint's status to
// "interrupted" in place and saves it, preserving all run/tier/subtest
// state so the experiment resumes from where it left off.
func ResetZombieCheckpoint(c *checkpoint.Checkpoint, checkpointPath string) error {
	slog.Info("resetting zombie checkpoint", "experiment_id", c.ExperimentID)
	c.Status = "interrupted"
	return checkpoint.Save(c, checkpointPath)
}

// HeartbeatLoop runs until stop is closed, reloading the checkpoint
// fresh from disk each tick so it never clobbers state written by a
// concurrently running worker, updating only last_heartbeat, and
// saving atomically. Intended to run in its own goroutine.
func HeartbeatLoop(checkpointPath string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current, err := checkpoint.Load(checkpointPath)
			if err != nil {
				slog.Warn("heartbeat: failed to load checkpoint", "error", err)
				continue
			}
			current.UpdateHeartbeat()
			if err := checkpoint.Save(current, checkpointPath); err != nil {
				slog.Warn("heartbeat: failed to save checkpoint", "error", err)
			}
		}
	}
}
