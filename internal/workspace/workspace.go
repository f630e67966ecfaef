// Package workspace implements the git-worktree-based workspace
// manager: one shallow clone shared across concurrent runs, each run
// getting its own worktree on a named branch. Git is invoked as a
// subprocess via os/exec.CommandContext.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Manager owns one shared clone and tracks worktree branch names to
// pick a fallback disambiguator when a named branch collides.
type Manager struct {
	ExperimentDir string
	RepoDir       string

	mu       sync.Mutex
	branches map[string]bool
	counter  int64
}

// New builds a Manager rooted at experimentDir; the shared clone lives
// at experimentDir/repo.
func New(experimentDir string) *Manager {
	return &Manager{
		ExperimentDir: experimentDir,
		RepoDir:       filepath.Join(experimentDir, "repo"),
		branches:      map[string]bool{},
	}
}

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return out, nil
}

// SetupBaseRepo performs a shallow clone of repoURL at commit into
// RepoDir, if it does not already exist. Idempotent: a second call
// against an already-cloned repo is a no-op.
func (m *Manager) SetupBaseRepo(ctx context.Context, repoURL, commit string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH: %w", err)
	}

	if _, err := runGit(ctx, m.ExperimentDir, "-C", m.RepoDir, "rev-parse", "--git-dir"); err == nil {
		return nil
	}

	args := []string{"clone", "--depth", "1"}
	if commit != "" {
		args = append(args, "--no-checkout")
	}
	args = append(args, repoURL, m.RepoDir)
	if _, err := runGit(ctx, m.ExperimentDir, args...); err != nil {
		return err
	}

	if commit != "" {
		if _, err := runGit(ctx, m.RepoDir, "fetch", "--depth", "1", "origin", commit); err != nil {
			return err
		}
		if _, err := runGit(ctx, m.RepoDir, "checkout", commit); err != nil {
			return err
		}
	}
	return nil
}

// branchName builds "{tier}_{subtest}", falling back to a
// "worktree-{counter}-{uuid-suffix}" disambiguator if that name is
// already taken by a concurrently running worktree.
func (m *Manager) branchName(tier, subtest string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := fmt.Sprintf("%s_%s", tier, subtest)
	if !m.branches[base] {
		m.branches[base] = true
		return base
	}

	n := atomic.AddInt64(&m.counter, 1)
	name := fmt.Sprintf("worktree-%d-%s", n, uuid.New().String()[:8])
	m.branches[name] = true
	return name
}

// WorktreePath returns the per-run worktree directory:
// {experiment_dir}/runs/{tier}/{subtest}/run_{num}.
func (m *Manager) WorktreePath(tier, subtest string, run int) string {
	return filepath.Join(m.ExperimentDir, "runs", tier, subtest, fmt.Sprintf("run_%d", run))
}

// CreateWorktree adds a new worktree for one run on a freshly named
// branch, returning the branch name so CleanupWorktree can delete it
// later.
func (m *Manager) CreateWorktree(ctx context.Context, tier, subtest string, run int) (path, branch string, err error) {
	branch = m.branchName(tier, subtest)
	path = m.WorktreePath(tier, subtest, run)

	if _, err = runGit(ctx, m.RepoDir, "worktree", "add", "-b", branch, path); err != nil {
		return "", "", err
	}
	return path, branch, nil
}

// CleanupWorktree removes a worktree and deletes its branch. Errors
// here are logged as warnings, never fatal, since a run's results are
// already durable by the time cleanup runs.
func (m *Manager) CleanupWorktree(ctx context.Context, path, branch string) {
	if _, err := runGit(ctx, m.RepoDir, "worktree", "remove", "--force", path); err != nil {
		slog.Warn("failed to remove worktree", "path", path, "error", err)
	}
	if _, err := runGit(ctx, m.RepoDir, "branch", "-D", branch); err != nil {
		slog.Warn("failed to delete branch", "branch", branch, "error", err)
	}
}

// PruneAll runs `git worktree prune` on the shared repo, intended to
// be called once at teardown to reclaim any worktree administrative
// files left behind by a crashed CleanupWorktree.
func (m *Manager) PruneAll(ctx context.Context) error {
	_, err := runGit(ctx, m.RepoDir, "worktree", "prune")
	if err != nil {
		slog.Warn("worktree prune failed", "error", err)
	}
	return err
}
