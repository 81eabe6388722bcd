package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo with one commit and returns its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		output, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, output)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func TestFindRepoRoot(t *testing.T) {
	repo := initTestRepo(t)
	nested := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	root, err := FindRepoRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, repo, root)
}

func TestFindRepoRoot_NotARepo(t *testing.T) {
	_, err := FindRepoRoot(t.TempDir())
	assert.Error(t, err)
}

func TestDefaultBranch(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	assert.Equal(t, "main", m.DefaultBranch(context.Background()))
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	branch, err := m.CreateWorktree(ctx, wtPath, "agent/s1")
	require.NoError(t, err)
	assert.Equal(t, "agent/s1", branch)
	assert.DirExists(t, wtPath)

	paths, err := m.ListWorktrees(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	require.NoError(t, m.RemoveWorktree(ctx, wtPath, branch, true))
	assert.NoDirExists(t, wtPath)

	paths, err = m.ListWorktrees(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestCreateWorktree_BranchCollisionGetsSuffix(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	ctx := context.Background()

	base := t.TempDir()
	first, err := m.CreateWorktree(ctx, filepath.Join(base, "wt1"), "agent/s1")
	require.NoError(t, err)
	assert.Equal(t, "agent/s1", first)

	second, err := m.CreateWorktree(ctx, filepath.Join(base, "wt2"), "agent/s1")
	require.NoError(t, err)
	assert.Equal(t, "agent/s1-2", second)
}

func TestHasUncommittedChanges(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	ctx := context.Background()

	dirty, err := m.HasUncommittedChanges(ctx, repo)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x"), 0o644))
	dirty, err = m.HasUncommittedChanges(ctx, repo)
	require.NoError(t, err)
	assert.True(t, dirty)
}
