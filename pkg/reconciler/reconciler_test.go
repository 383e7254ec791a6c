package reconciler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/dispatchd/pkg/admission"
	"github.com/cuemby/dispatchd/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTaskSource struct {
	ids map[string]bool
}

func (f fakeTaskSource) LiveTaskIDs() map[string]bool { return f.ids }

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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")

	return dir
}

func TestCycleReclaimsExpiredNoncesAndSweepsOrphans(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	ws := workspace.NewManager(base, root)

	live, err := ws.Allocate(context.Background(), "live-task", "")
	require.NoError(t, err)
	_, err = ws.Allocate(context.Background(), "orphan-task", "")
	require.NoError(t, err)

	nonces := admission.NewNonceCache(time.Minute)
	old := time.Now().Add(-2 * time.Minute)
	nonces.CheckAndInsert("stale-nonce", old)
	nonces.CheckAndInsert("fresh-nonce", time.Now())

	r := New(nonces, ws, fakeTaskSource{ids: map[string]bool{"live-task": true}}, time.Hour, time.Minute)
	r.cycle()

	assert.Equal(t, 1, nonces.Len())

	_, err = os.Stat(live.Path)
	assert.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(root, "orphan-task"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartStopDoesNotPanic(t *testing.T) {
	base := initBaseRepo(t)
	root := t.TempDir()
	ws := workspace.NewManager(base, root)
	nonces := admission.NewNonceCache(time.Minute)

	r := New(nonces, ws, fakeTaskSource{ids: map[string]bool{}}, 10*time.Millisecond, time.Minute)
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
