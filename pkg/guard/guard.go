package guard

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
)

// Result is the outcome of evaluating a workspace's commits for sensitive
// content.
type Result struct {
	Reverted     []string
	Remaining    []string
	AllSensitive bool
}

// Evaluate enumerates files changed across the worker's commits, reverts
// any that match the sensitive-path predicate, and reports what it did.
// commitDepth is the number of commits the worker authored (>= 1); the
// pre-worker reference is commitDepth commits back from the current tip.
func Evaluate(ctx context.Context, workspacePath string, commitDepth int) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GuardEvaluateDuration)

	ref := "HEAD~" + strconv.Itoa(commitDepth)

	changed, err := changedFiles(ctx, workspacePath, ref)
	if err != nil {
		return Result{}, fmt.Errorf("guard: listing changed files: %w", err)
	}

	var sensitive, benign []string
	for _, f := range changed {
		if IsSensitive(f) {
			sensitive = append(sensitive, f)
		} else {
			benign = append(benign, f)
		}
	}

	var reverted, remaining []string
	for _, f := range sensitive {
		if err := revertFile(ctx, workspacePath, ref, f); err != nil {
			log.WithComponent("guard").Warn().Err(err).Str("file", f).Msg("failed to revert sensitive file")
			remaining = append(remaining, f)
			metrics.SensitiveRevertFailuresTotal.Inc()
			continue
		}
		reverted = append(reverted, f)
		metrics.SensitiveFilesRevertedTotal.Inc()
	}

	result := Result{
		Reverted:     reverted,
		Remaining:    remaining,
		AllSensitive: len(benign) == 0 && len(remaining) == 0,
	}
	return result, nil
}

// changedFiles returns the set of paths that differ between ref and the
// working tree's current HEAD.
func changedFiles(ctx context.Context, dir, ref string) ([]string, error) {
	out, err := gitOutput(ctx, dir, "diff", "--name-only", ref, "HEAD")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// revertFile restores path to its state at ref and stages the
// restoration, so the sensitive content never appears in the final
// published tree. A path that did not exist at ref is removed.
func revertFile(ctx context.Context, dir, ref, path string) error {
	if err := gitRun(ctx, dir, "cat-file", "-e", ref+":"+path); err != nil {
		return gitRun(ctx, dir, "rm", "-f", "--", path)
	}
	if err := gitRun(ctx, dir, "checkout", ref, "--", path); err != nil {
		return err
	}
	return gitRun(ctx, dir, "add", "--", path)
}

func gitRun(ctx context.Context, dir string, args ...string) error {
	_, err := gitOutput(ctx, dir, args...)
	return err
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
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
