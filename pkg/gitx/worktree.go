// Package gitx wraps the git operations the orchestrator needs for isolated
// session worktrees. All commands shell out to the git binary.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"foreman/pkg/logx"
)

// Manager creates and removes git worktrees rooted at a single repository.
type Manager struct {
	repoRoot string
	logger   *logx.Logger
}

// FindRepoRoot walks up from startDir to the directory containing .git.
// A .git regular file counts too: that is how linked worktrees mark
// themselves.
func FindRepoRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent): %s", startDir)
		}
		dir = parent
	}
}

// NewManager resolves the repository root containing dir.
func NewManager(dir string) (*Manager, error) {
	root, err := FindRepoRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoRoot: root, logger: logx.NewLogger("gitx")}, nil
}

// RepoRoot returns the resolved repository root.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// DefaultBranch returns "main" when that branch exists, otherwise "master".
func (m *Manager) DefaultBranch(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "main")
	cmd.Dir = m.repoRoot
	if err := cmd.Run(); err == nil {
		return "main"
	}
	return "master"
}

// CreateWorktree adds a worktree at path on a new branch. When the wanted
// branch name is taken, a numeric suffix is appended until a free name is
// found. The branch actually used is returned.
func (m *Manager) CreateWorktree(ctx context.Context, path, branch string) (string, error) {
	chosen := branch
	for n := 2; m.branchExists(ctx, chosen); n++ {
		chosen = fmt.Sprintf("%s-%d", branch, n)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree parent dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", chosen, path)
	cmd.Dir = m.repoRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w\n%s", err, string(output))
	}

	m.logger.Info("Created worktree %s on branch %s", path, chosen)
	return chosen, nil
}

// RemoveWorktree removes the worktree at path. When deleteBranch is set the
// backing branch is removed as well. Failures fall back to deleting the
// directory and pruning stale worktree records.
func (m *Manager) RemoveWorktree(ctx context.Context, path, branch string, deleteBranch bool) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(path)
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = m.repoRoot
		_ = prune.Run()
		m.logger.Warn("Worktree %s removed uncleanly: %v\n%s", path, err, string(output))
	}

	if deleteBranch && branch != "" {
		del := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		del.Dir = m.repoRoot
		if output, err := del.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to delete branch %s: %w\n%s", branch, err, string(output))
		}
	}

	m.logger.Info("Removed worktree %s", path)
	return nil
}

// ListWorktrees returns the paths of every worktree attached to the repo,
// including the main checkout.
func (m *Manager) ListWorktrees(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoRoot
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// HasUncommittedChanges reports whether the checkout at path is dirty.
func (m *Manager) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = m.repoRoot
	return cmd.Run() == nil
}
