// Package api exposes dispatchd's external HTTP surface: the signed
// admission endpoint, unsigned task inspection/cancellation, health, and
// the signed admin endpoints, following the plain net/http ServeMux
// pattern this codebase uses for its health server rather than the gRPC
// surface used for cluster control.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/dispatchd/pkg/admission"
	"github.com/cuemby/dispatchd/pkg/dispatcher"
	"github.com/cuemby/dispatchd/pkg/dispatcherr"
	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
	"github.com/cuemby/dispatchd/pkg/types"
)

const HeaderRequestID = "x-request-id"

const maxBodyBytes = 1 << 20 // 1 MiB; submissions carry prompts, not payloads

const defaultTaskTimeout = 30 * time.Minute

// Server is dispatchd's HTTP entrypoint.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	verifier   *admission.Verifier
	mux        *http.ServeMux
}

// New builds a Server and registers all routes.
func New(d *dispatcher.Dispatcher, verifier *admission.Verifier) *Server {
	mux := http.NewServeMux()
	s := &Server{dispatcher: d, verifier: verifier, mux: mux}

	mux.HandleFunc("/tasks", s.tasksHandler)
	mux.HandleFunc("/tasks/", s.taskByIDHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/admin/refresh-token", s.refreshTokenHandler)
	mux.HandleFunc("/admin/shutdown", s.shutdownHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the HTTP server until it errors or the process is killed.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      requestIDMiddleware(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// requestIDMiddleware assigns each inbound request a correlation ID, the
// same uuid.New().String() convention this codebase uses for entities it
// hands out at creation time, and echoes it back so a submitter can
// correlate a rejected response with server logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler, for embedding or for httptest.
func (s *Server) Handler() http.Handler { return requestIDMiddleware(s.mux) }

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, dispatcherr.InvalidRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, dispatcherr.InvalidRequest)
		return
	}

	if err := s.verifier.Verify(r.Header, body); err != nil {
		status, code := admission.OpaqueReason(err)
		log.WithComponent("api").Warn().Str("internalCode", admission.Code(err)).Msg("admission rejected")
		writeError(w, status, code)
		return
	}

	var req types.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, dispatcherr.InvalidRequest)
		return
	}
	if !validSubmission(req) {
		writeError(w, http.StatusBadRequest, dispatcherr.InvalidRequest)
		return
	}

	timeout := defaultTaskTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	switch s.dispatcher.Submit(req, timeout) {
	case dispatcher.RejectNone:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"taskId": req.TaskID,
			"status": "queued",
		})
	case dispatcher.RejectDuplicate:
		writeError(w, http.StatusConflict, dispatcherr.DuplicateTask)
	case dispatcher.RejectAtCapacity:
		writeError(w, http.StatusServiceUnavailable, dispatcherr.AtCapacity)
	default:
		writeError(w, http.StatusBadRequest, dispatcherr.InvalidRequest)
	}
}

func validSubmission(req types.SubmitRequest) bool {
	if req.TaskID == "" || len(req.TaskID) > 128 {
		return false
	}
	if req.WorkerType == "" || req.Prompt == "" || req.CallbackURL == "" {
		return false
	}
	if len(req.CallbackSecret) < 32 {
		return false
	}
	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < 1 || req.TimeoutSeconds > 7200) {
		return false
	}
	return true
}

func (s *Server) taskByIDHandler(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		snapshot, ok := s.dispatcher.Lookup(taskID)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case http.MethodDelete:
		switch s.dispatcher.Cancel(taskID) {
		case dispatcher.CancelNotFound:
			writeError(w, http.StatusNotFound, "not_found")
		case dispatcher.CancelAlreadyTerminal:
			writeError(w, http.StatusConflict, "already_terminal")
		case dispatcher.CancelAccepted:
			snapshot, _ := s.dispatcher.Lookup(taskID)
			writeJSON(w, http.StatusOK, snapshot)
		}

	default:
		writeError(w, http.StatusMethodNotAllowed, dispatcherr.InvalidRequest)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, dispatcherr.InvalidRequest)
		return
	}

	status := s.dispatcher.Status()
	state := "ready"
	if status.Draining {
		state = "draining"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         state,
		"capacity":       status.Capacity,
		"running":        status.Running,
		"available":      status.Available,
		"tokenExpiresAt": status.TokenExpiresAt,
	})
}

func (s *Server) refreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSignedAdmin(w, r) {
		return
	}
	if _, err := s.dispatcher.RefreshToken(r.Context()); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("admin-requested token refresh failed")
		writeError(w, http.StatusServiceUnavailable, dispatcherr.ServiceError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refresh_scheduled"})
}

func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSignedAdmin(w, r) {
		return
	}
	s.dispatcher.Drain()
	log.WithComponent("api").Warn().Msg("shutdown requested; draining")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "draining"})
}

// requireSignedAdmin verifies admin requests with the same HMAC scheme as
// task submission, writing the response and returning false on failure.
func (s *Server) requireSignedAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, dispatcherr.InvalidRequest)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, dispatcherr.InvalidRequest)
		return false
	}
	if err := s.verifier.Verify(r.Header, body); err != nil {
		status, code := admission.OpaqueReason(err)
		writeError(w, status, code)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
