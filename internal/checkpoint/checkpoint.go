// Package checkpoint implements the harness's single source of truth:
// a JSON document persisted once per experiment, atomically rewritten
// after every state-machine transition, carrying enough information to
// resume from any interrupted point.
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/evalharness/harness/internal/herrors"
)

const CurrentVersion = "3.1"

// Checkpoint is the full persisted record of an experiment's progress.
type Checkpoint struct {
	Version        string `json:"version"`
	ExperimentID   string `json:"experiment_id"`
	ExperimentDir  string `json:"experiment_dir"`
	ConfigHash     string `json:"config_hash"`

	StartedAt      string `json:"started_at"`
	LastUpdatedAt  string `json:"last_updated_at"`
	LastHeartbeat  string `json:"last_heartbeat"`

	Status           string  `json:"status"`
	RateLimitSource  *string `json:"rate_limit_source"`
	RateLimitUntil   *string `json:"rate_limit_until"`
	PauseCount       int     `json:"pause_count"`

	PID *int `json:"pid"`

	ExperimentState ExperimentState `json:"experiment_state"`
	TierStates      map[string]TierState                 `json:"tier_states"`
	SubtestStates   map[string]map[string]SubtestState    `json:"subtest_states"`
	RunStates       map[string]map[string]map[int]RunState `json:"run_states"`

	// CompletedRuns is historical redundancy preserved alongside
	// RunStates for compatibility with v3.x readers.
	CompletedRuns map[string]map[string]map[int]string `json:"completed_runs"`
}

// New returns a freshly initialized checkpoint for a new experiment.
func New(experimentID, experimentDir string) *Checkpoint {
	now := nowISO()
	return &Checkpoint{
		Version:         CurrentVersion,
		ExperimentID:    experimentID,
		ExperimentDir:   experimentDir,
		StartedAt:       now,
		LastUpdatedAt:   now,
		LastHeartbeat:   now,
		Status:          "running",
		ExperimentState: ExpInitializing,
		TierStates:      map[string]TierState{},
		SubtestStates:   map[string]map[string]SubtestState{},
		RunStates:       map[string]map[string]map[int]RunState{},
		CompletedRuns:   map[string]map[string]map[int]string{},
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- state helpers (operate on a loaded checkpoint) -----------------

// GetRunState returns the recorded state for a run. Missing entries
// and unrecognized state strings both come back as PENDING: a run
// whose recorded state this schema cannot interpret (a v2.0 migration
// marker, a newer schema's state) is simply re-run rather than fed to
// the transition table, which would fail it.
func (c *Checkpoint) GetRunState(tier, subtest string, run int) RunState {
	if t, ok := c.RunStates[tier]; ok {
		if s, ok := t[subtest]; ok {
			if rs, ok := s[run]; ok {
				return normalizeRunState(rs)
			}
		}
	}
	return RunPending
}

func (c *Checkpoint) SetRunState(tier, subtest string, run int, state RunState) {
	if c.RunStates == nil {
		c.RunStates = map[string]map[string]map[int]RunState{}
	}
	if c.RunStates[tier] == nil {
		c.RunStates[tier] = map[string]map[int]RunState{}
	}
	if c.RunStates[tier][subtest] == nil {
		c.RunStates[tier][subtest] = map[int]RunState{}
	}
	c.RunStates[tier][subtest][run] = state
	c.LastUpdatedAt = nowISO()
}

func (c *Checkpoint) GetTierState(tier string) TierState {
	if s, ok := c.TierStates[tier]; ok {
		return normalizeTierState(s)
	}
	return TierPending
}

func (c *Checkpoint) SetTierState(tier string, state TierState) {
	if c.TierStates == nil {
		c.TierStates = map[string]TierState{}
	}
	c.TierStates[tier] = state
	c.LastUpdatedAt = nowISO()
}

func (c *Checkpoint) GetSubtestState(tier, subtest string) SubtestState {
	if t, ok := c.SubtestStates[tier]; ok {
		if s, ok := t[subtest]; ok {
			return normalizeSubtestState(s)
		}
	}
	return SubtestPending
}

func (c *Checkpoint) SetSubtestState(tier, subtest string, state SubtestState) {
	if c.SubtestStates == nil {
		c.SubtestStates = map[string]map[string]SubtestState{}
	}
	if c.SubtestStates[tier] == nil {
		c.SubtestStates[tier] = map[string]SubtestState{}
	}
	c.SubtestStates[tier][subtest] = state
	c.LastUpdatedAt = nowISO()
}

func (c *Checkpoint) GetExperimentState() ExperimentState {
	return normalizeExperimentState(c.ExperimentState)
}

func (c *Checkpoint) SetExperimentState(state ExperimentState) {
	c.ExperimentState = state
	c.LastUpdatedAt = nowISO()
}

// UpdateHeartbeat sets last_heartbeat to the current time. This is the
// only mutation the background health goroutine is permitted to make.
func (c *Checkpoint) UpdateHeartbeat() {
	c.LastHeartbeat = nowISO()
}

// MarkRunCompleted records a terminal run outcome in the historical
// completed_runs map. status must be "passed", "failed", or
// "agent_complete".
func (c *Checkpoint) MarkRunCompleted(tier, subtest string, run int, status string) error {
	switch status {
	case "passed", "failed", "agent_complete":
	default:
		return fmt.Errorf("invalid run status %q", status)
	}
	if c.CompletedRuns == nil {
		c.CompletedRuns = map[string]map[string]map[int]string{}
	}
	if c.CompletedRuns[tier] == nil {
		c.CompletedRuns[tier] = map[string]map[int]string{}
	}
	if c.CompletedRuns[tier][subtest] == nil {
		c.CompletedRuns[tier][subtest] = map[int]string{}
	}
	c.CompletedRuns[tier][subtest][run] = status
	c.LastUpdatedAt = nowISO()
	return nil
}

// UnmarkRunCompleted removes a run's completed_runs entry, used by the
// reset primitives when rewinding a run to PENDING.
func (c *Checkpoint) UnmarkRunCompleted(tier, subtest string, run int) {
	if t, ok := c.CompletedRuns[tier]; ok {
		if s, ok := t[subtest]; ok {
			if _, ok := s[run]; ok {
				delete(s, run)
				c.LastUpdatedAt = nowISO()
			}
		}
	}
}

// GetRunStatus returns the completed_runs status for a run, if any.
func (c *Checkpoint) GetRunStatus(tier, subtest string, run int) (string, bool) {
	if t, ok := c.CompletedRuns[tier]; ok {
		if s, ok := t[subtest]; ok {
			if status, ok := s[run]; ok {
				return status, true
			}
		}
	}
	return "", false
}

// GetCompletedRunCount sums the number of entries across completed_runs.
func (c *Checkpoint) GetCompletedRunCount() int {
	total := 0
	for _, subtests := range c.CompletedRuns {
		for _, runs := range subtests {
			total += len(runs)
		}
	}
	return total
}

// --- atomic I/O -------------------------------------------------------

// Save writes the checkpoint to path atomically: it writes to a
// PID-suffixed temp file in the same directory, then renames it over
// path. A crash mid-write leaves the temp file orphaned and path
// untouched.
func Save(c *Checkpoint, path string) error {
	c.LastUpdatedAt = nowISO()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", herrors.ErrCheckpointWriteFailed, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", herrors.ErrCheckpointWriteFailed, tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", herrors.ErrCheckpointWriteFailed, tempPath, path, err)
	}
	return nil
}

// Load reads, parses, and (if necessary) migrates a checkpoint from
// disk.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", herrors.ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", herrors.ErrCheckpointCorrupt, path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", herrors.ErrCheckpointCorrupt, path, err)
	}

	version, _ := raw["version"].(string)
	switch version {
	case CurrentVersion:
		var c Checkpoint
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", herrors.ErrCheckpointCorrupt, path, err)
		}
		return &c, nil
	case "2.0":
		return migrateV2(raw)
	default:
		return nil, fmt.Errorf("%w: version %q", herrors.ErrIncompatibleVersion, version)
	}
}

// --- config hash ------------------------------------------------------

// ephemeralFields lists the config keys excluded from the config hash
// because they affect only how much work is scheduled, not the
// experiment's recorded results.
var ephemeralFields = map[string]bool{
	"parallel_subtests":       true,
	"max_subtests":            true,
	"until_run_state":         true,
	"until_tier_state":        true,
	"until_experiment_state":  true,
	"tiers_to_run":            true,
}

// ComputeConfigHash serializes cfg (already a map[string]any, e.g. via
// mapstructure.Decode's inverse or a direct marshal/unmarshal
// round-trip) with ephemeral fields stripped and keys sorted, then
// returns the first 16 hex characters of its SHA-256.
func ComputeConfigHash(cfg map[string]any) (string, error) {
	stripped := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if ephemeralFields[k] {
			continue
		}
		stripped[k] = v
	}

	data, err := marshalSortedKeys(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)[:16], nil
}

// marshalSortedKeys produces a deterministic JSON encoding of a
// map[string]any with object keys emitted in sorted order at every
// nesting level, matching Python's json.dumps(sort_keys=True).
func marshalSortedKeys(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSortedKeys(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			b, err := marshalSortedKeys(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// ValidateConfig reports whether checkpoint's stored config_hash
// matches the hash of cfg.
func ValidateConfig(c *Checkpoint, cfg map[string]any) (bool, error) {
	hash, err := ComputeConfigHash(cfg)
	if err != nil {
		return false, err
	}
	return c.ConfigHash == hash, nil
}

// --- experiment status -------------------------------------------------

// ExperimentStatus is the monitoring-facing view of an experiment
// directory's checkpoint and PID file.
type ExperimentStatus struct {
	Running        bool
	Status         string
	CompletedRuns  int
	RateLimitUntil *string
	PID            *int
}

// GetExperimentStatus inspects checkpoint.json and experiment.pid
// under experimentDir without requiring the caller to hold a loaded
// checkpoint.
func GetExperimentStatus(experimentDir string) ExperimentStatus {
	result := ExperimentStatus{Status: "unknown"}

	checkpointPath := filepath.Join(experimentDir, "checkpoint.json")
	if c, err := Load(checkpointPath); err == nil {
		result.Status = c.Status
		result.CompletedRuns = c.GetCompletedRunCount()
		if c.RateLimitUntil != nil {
			result.RateLimitUntil = c.RateLimitUntil
		}
	}

	pidPath := filepath.Join(experimentDir, "experiment.pid")
	if data, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(data), "%d", &pid); scanErr == nil {
			if pidIsAlive(pid) {
				result.Running = true
				result.PID = &pid
			}
		}
	}

	return result
}

// pidIsAlive reports whether a process with the given pid exists, via
// signal 0 (no-op signal, existence check only).
func pidIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}
