package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/dispatchd/pkg/admission"
	"github.com/cuemby/dispatchd/pkg/callback"
	"github.com/cuemby/dispatchd/pkg/dispatcher"
	"github.com/cuemby/dispatchd/pkg/events"
	"github.com/cuemby/dispatchd/pkg/identity"
	"github.com/cuemby/dispatchd/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "the-admission-shared-secret-value"

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

func newTestServer(t *testing.T) (*httptest.Server, *dispatcher.Dispatcher) {
	t.Helper()
	base := initBaseRepo(t)
	ws := workspace.NewManager(base, t.TempDir())

	idp := identity.NewProvider(identity.StaticSource{Value: "tok"}, time.Minute)
	_, err := idp.ForceRefresh(context.Background())
	require.NoError(t, err)

	outbox := callback.NewOutbox(1, time.Millisecond, time.Millisecond)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := dispatcher.New(dispatcher.Config{
		Capacity:         2,
		WorkerBinary:     "/bin/sh",
		TerminationGrace: 200 * time.Millisecond,
	}, ws, idp, outbox, broker)

	verifier := admission.NewVerifier(testSecret, 5*time.Minute, admission.NewNonceCache(10*time.Minute))
	s := New(d, verifier)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, d
}

func signedRequest(t *testing.T, method, url string, body []byte, nonce string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := admission.SignForTest(testSecret, ts, nonce, body)

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(admission.HeaderTimestamp, ts)
	req.Header.Set(admission.HeaderNonce, nonce)
	req.Header.Set(admission.HeaderSignature, sig)
	return req
}

func TestPostTasksAcceptsValidSignedSubmission(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(map[string]any{
		"taskId":         "task-1",
		"workerType":     "-c",
		"prompt":         "echo __WORKER_DONE__",
		"callbackUrl":    "http://127.0.0.1:0/cb",
		"callbackSecret": "a-callback-secret-at-least-32-chars",
	})
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "nonce-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "task-1", decoded["taskId"])
	assert.Equal(t, "queued", decoded["status"])
}

func TestPostTasksRejectsUnsignedRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var decoded map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "invalid_signature", decoded["error"])
}

func TestPostTasksRejectsReplayedNonce(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"taskId":         "task-replay",
		"workerType":     "-c",
		"prompt":         "echo __WORKER_DONE__",
		"callbackUrl":    "http://127.0.0.1:0/cb",
		"callbackSecret": "a-callback-secret-at-least-32-chars",
	})

	req1 := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "dup-nonce")
	resp1, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	resp1.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp1.StatusCode)

	req2 := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "dup-nonce")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestPostTasksRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"taskId":""}`)
	req := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "nonce-invalid")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostTasksRejectsDuplicateTask(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"taskId":         "task-dup",
		"workerType":     "-c",
		"prompt":         "sleep 0.3; echo __WORKER_DONE__",
		"callbackUrl":    "http://127.0.0.1:0/cb",
		"callbackSecret": "a-callback-secret-at-least-32-chars",
	})

	req1 := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "n1")
	resp1, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusAccepted, resp1.StatusCode)

	req2 := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "n2")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestGetTaskByIDReturnsSnapshot(t *testing.T) {
	srv, d := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"taskId":         "task-lookup",
		"workerType":     "-c",
		"prompt":         "echo __WORKER_DONE__",
		"callbackUrl":    "http://127.0.0.1:0/cb",
		"callbackSecret": "a-callback-secret-at-least-32-chars",
	})
	req := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "n-lookup")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		snap, ok := d.Lookup("task-lookup")
		return ok && snap.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	getResp, err := http.Get(srv.URL + "/tasks/task-lookup")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&decoded))
	assert.Equal(t, "completed", decoded["status"])
}

func TestGetTaskByIDReturns404ForUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/tasks/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTaskCancelsRunningTask(t *testing.T) {
	srv, d := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"taskId":         "task-cancel",
		"workerType":     "-c",
		"prompt":         "trap '' TERM; sleep 10",
		"callbackUrl":    "http://127.0.0.1:0/cb",
		"callbackSecret": "a-callback-secret-at-least-32-chars",
	})
	req := signedRequest(t, http.MethodPost, srv.URL+"/tasks", body, "n-cancel")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		snap, ok := d.Lookup("task-cancel")
		return ok && snap.Status == "running"
	}, time.Second, 10*time.Millisecond)

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/task-cancel", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
}

func TestHealthReportsCapacity(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "ready", decoded["status"])
	assert.Equal(t, float64(2), decoded["capacity"])
}

func TestAdminShutdownRequiresSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/admin/shutdown", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminShutdownDrainsWithValidSignature(t *testing.T) {
	srv, d := newTestServer(t)

	req := signedRequest(t, http.MethodPost, srv.URL+"/admin/shutdown", []byte("{}"), "n-shutdown")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, d.Status().Draining)
}
