package dispatch

import (
	"context"
	"fmt"
	"path/filepath"

	"foreman/pkg/gitx"
	"foreman/pkg/session"
)

// WorktreeManager is the orchestrator's view of the git collaborator. Tests
// substitute a fake; production uses GitWorktrees.
type WorktreeManager interface {
	// Create provisions a worktree for the session under projectDir's repo.
	Create(ctx context.Context, projectDir, sessionID string) (*session.Worktree, error)

	// Remove tears the worktree down, optionally deleting its branch.
	Remove(ctx context.Context, wt *session.Worktree, deleteBranch bool) error

	// DefaultBranch names the branch reviews diff and merge against.
	DefaultBranch(ctx context.Context, repoRoot string) string
}

// GitWorktrees provisions session worktrees under baseDir using the git
// binary.
type GitWorktrees struct {
	baseDir string
}

func NewGitWorktrees(baseDir string) *GitWorktrees {
	return &GitWorktrees{baseDir: baseDir}
}

func (g *GitWorktrees) Create(ctx context.Context, projectDir, sessionID string) (*session.Worktree, error) {
	mgr, err := gitx.NewManager(projectDir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(g.baseDir, "foreman-"+sessionID)
	branch, err := mgr.CreateWorktree(ctx, path, "agent/"+sessionID)
	if err != nil {
		return nil, err
	}
	return &session.Worktree{RepoRoot: mgr.RepoRoot(), Branch: branch, Path: path}, nil
}

func (g *GitWorktrees) Remove(ctx context.Context, wt *session.Worktree, deleteBranch bool) error {
	mgr, err := gitx.NewManager(wt.RepoRoot)
	if err != nil {
		return fmt.Errorf("worktree repo is gone: %w", err)
	}
	return mgr.RemoveWorktree(ctx, wt.Path, wt.Branch, deleteBranch)
}

func (g *GitWorktrees) DefaultBranch(ctx context.Context, repoRoot string) string {
	mgr, err := gitx.NewManager(repoRoot)
	if err != nil {
		return "main"
	}
	return mgr.DefaultBranch(ctx)
}
