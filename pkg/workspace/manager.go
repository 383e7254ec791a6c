// Package workspace provisions isolated git worktrees off a shared base
// repository, one per task, following the same shell-out-to-a-real-binary
// approach this codebase uses for embedded runtime components.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
)

// Handle identifies an allocated workspace and the path to run the worker
// in.
type Handle struct {
	TaskID       string
	Path         string
	BranchName   string
	BaseRevision string
}

// Manager allocates, cleans, and disposes git-worktree workspaces rooted
// at a shared base repository. Operations against the same physical base
// are serialized; operations against different bases proceed
// concurrently.
type Manager struct {
	baseRepoPath  string
	workspaceRoot string

	mu sync.Mutex // serializes worktree operations against baseRepoPath
}

// NewManager builds a Manager. baseRepoPath is the shared source tree
// worktrees branch off of; workspaceRoot is where per-task worktree
// directories are created.
func NewManager(baseRepoPath, workspaceRoot string) *Manager {
	return &Manager{
		baseRepoPath:  baseRepoPath,
		workspaceRoot: workspaceRoot,
	}
}

// Allocate produces a fresh, isolated workspace rooted at baseRevision (or
// the base repo's current HEAD if baseRevision is empty). If allocation
// fails partway through, the partial directory is removed before
// returning so no orphaned state remains on disk.
func (m *Manager) Allocate(ctx context.Context, taskID, baseRevision string) (*Handle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkspaceAllocateDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.workspaceRoot, taskID)
	branch := "dispatch/" + taskID

	if err := os.MkdirAll(m.workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: preparing root: %w", err)
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if baseRevision != "" {
		args = append(args, baseRevision)
	} else {
		args = append(args, "HEAD")
	}

	if err := m.git(ctx, m.baseRepoPath, args...); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.gitOutput(context.Background(), m.baseRepoPath, "worktree", "prune")
		return nil, fmt.Errorf("workspace: git worktree add: %w", err)
	}

	log.WithComponent("workspace").Info().Str("taskId", taskID).Str("path", path).Msg("workspace allocated")

	return &Handle{
		TaskID:       taskID,
		Path:         path,
		BranchName:   branch,
		BaseRevision: baseRevision,
	}, nil
}

// Clean discards all uncommitted and untracked changes in the workspace.
// Called immediately after allocation and again before the guard runs.
func (m *Manager) Clean(ctx context.Context, h *Handle) error {
	if err := m.git(ctx, h.Path, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("workspace: reset: %w", err)
	}
	if err := m.git(ctx, h.Path, "clean", "-fdx"); err != nil {
		return fmt.Errorf("workspace: clean: %w", err)
	}
	return nil
}

// Dispose removes the workspace and its worktree registration. It is
// idempotent: a second call on an already-disposed handle is a no-op. A
// failure here never aborts the caller's pipeline; it's the caller's
// responsibility to log and continue.
func (m *Manager) Dispose(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(h.Path); os.IsNotExist(err) {
		return nil
	}

	if err := m.git(ctx, m.baseRepoPath, "worktree", "remove", "--force", h.Path); err != nil {
		// Fall back to a raw directory removal; worktree bookkeeping can
		// desync if the directory was partially damaged by the worker.
		if rmErr := os.RemoveAll(h.Path); rmErr != nil {
			return fmt.Errorf("workspace: dispose: %w (fallback removal also failed: %v)", err, rmErr)
		}
		_, _ = m.gitOutput(ctx, m.baseRepoPath, "worktree", "prune")
	}

	_ = m.git(ctx, m.baseRepoPath, "branch", "-D", h.BranchName)

	log.WithComponent("workspace").Info().Str("taskId", h.TaskID).Msg("workspace disposed")
	return nil
}

// SweepOrphans removes directories under the workspace root that don't
// correspond to any of liveTaskIDs, recovering space leaked by a disposal
// failure or a process crash mid-pipeline. Returns the task IDs it
// removed.
func (m *Manager) SweepOrphans(ctx context.Context, liveTaskIDs map[string]bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.workspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: listing root: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || liveTaskIDs[entry.Name()] {
			continue
		}
		path := filepath.Join(m.workspaceRoot, entry.Name())
		_ = m.git(ctx, m.baseRepoPath, "worktree", "remove", "--force", path)
		if err := os.RemoveAll(path); err != nil {
			log.WithComponent("workspace").Warn().Err(err).Str("path", path).Msg("failed to sweep orphaned workspace")
			continue
		}
		removed = append(removed, entry.Name())
	}
	if len(removed) > 0 {
		_, _ = m.gitOutput(ctx, m.baseRepoPath, "worktree", "prune")
	}
	return removed, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	_, err := m.gitOutput(ctx, dir, args...)
	return err
}

func (m *Manager) gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", cmd.String(), err, stderr.String())
	}
	return out.String(), nil
}
