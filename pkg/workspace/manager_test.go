package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBaseRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")

	return dir
}

func TestAllocateCreatesWorktree(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	h, err := m.Allocate(context.Background(), "task-1", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "task-1"), h.Path)
	assert.Equal(t, "dispatch/task-1", h.BranchName)

	_, err = os.Stat(filepath.Join(h.Path, "README.md"))
	assert.NoError(t, err)
}

func TestAllocateCleansUpOnFailure(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	_, err := m.Allocate(context.Background(), "task-bad", "not-a-real-revision")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, "task-bad"))
	assert.True(t, os.IsNotExist(statErr), "a failed allocation must leave no partial directory behind")
}

func TestDisposeRemovesWorktree(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	h, err := m.Allocate(context.Background(), "task-2", "")
	require.NoError(t, err)

	require.NoError(t, m.Dispose(context.Background(), h))

	_, statErr := os.Stat(h.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDisposeIsIdempotent(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	h, err := m.Allocate(context.Background(), "task-3", "")
	require.NoError(t, err)
	require.NoError(t, m.Dispose(context.Background(), h))
	assert.NoError(t, m.Dispose(context.Background(), h))
}

func TestCleanDiscardsUncommittedChanges(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	h, err := m.Allocate(context.Background(), "task-4", "")
	require.NoError(t, err)

	dirty := filepath.Join(h.Path, "scratch.txt")
	require.NoError(t, os.WriteFile(dirty, []byte("junk"), 0o644))

	require.NoError(t, m.Clean(context.Background(), h))

	_, statErr := os.Stat(dirty)
	assert.True(t, os.IsNotExist(statErr), "Clean must remove untracked files")
}

func TestSweepOrphansRemovesOnlyDeadTasks(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	m := NewManager(base, root)

	live, err := m.Allocate(context.Background(), "live-task", "")
	require.NoError(t, err)
	orphan, err := m.Allocate(context.Background(), "orphan-task", "")
	require.NoError(t, err)

	removed, err := m.SweepOrphans(context.Background(), map[string]bool{"live-task": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan-task"}, removed)

	_, err = os.Stat(live.Path)
	assert.NoError(t, err)
	_, statErr := os.Stat(orphan.Path)
	assert.True(t, os.IsNotExist(statErr))
}
