// Package types holds the data structures shared across dispatchd's
// components: the task record the dispatcher owns, the workspace handle
// the workspace manager hands back, and the wire shapes for inbound
// submissions and outbound callbacks.
package types

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task. Transitions are acyclic:
// Queued -> Running -> {Completed | Failed | Cancelled}.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status never transitions further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// SubmitRequest is the decoded body of POST /tasks.
type SubmitRequest struct {
	TaskID         string `json:"taskId"`
	WorkerType     string `json:"workerType"`
	Prompt         string `json:"prompt"`
	CallbackURL    string `json:"callbackUrl"`
	CallbackSecret string `json:"callbackSecret"`
	BaseRevision   string `json:"baseRevision,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// TaskRecord is the dispatcher's authoritative, in-memory view of one
// task. It is never persisted; a process restart loses it, by design
// (see spec Non-goals).
type TaskRecord struct {
	TaskID         string
	Status         TaskStatus
	WorkerType     string
	Prompt         string
	CallbackURL    string
	CallbackSecret string
	BaseRevision   string
	Timeout        time.Duration

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	WorkspacePath string // empty once disposed or before allocation

	ErrorCode string // set on TaskFailed, and on TaskCancelled when every change was sensitive
	ExitCode  int

	CallbackCursor int // next sequence number to assign

	cancelled chan struct{}
}

// NewTaskRecord builds a fresh queued record with its cancellation
// latch armed.
func NewTaskRecord(req SubmitRequest, timeout time.Duration) *TaskRecord {
	return &TaskRecord{
		TaskID:         req.TaskID,
		Status:         TaskQueued,
		WorkerType:     req.WorkerType,
		Prompt:         req.Prompt,
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
		BaseRevision:   req.BaseRevision,
		Timeout:        timeout,
		CreatedAt:      time.Now(),
		cancelled:      make(chan struct{}),
	}
}

// Cancel latches the task's cancellation signal. Safe to call more than
// once; only the first call has an effect.
func (t *TaskRecord) Cancel() {
	select {
	case <-t.cancelled:
	default:
		close(t.cancelled)
	}
}

// Cancelled returns a channel that's closed once Cancel has been called.
func (t *TaskRecord) Cancelled() <-chan struct{} {
	return t.cancelled
}

// IsCancelled reports whether Cancel has already been called.
func (t *TaskRecord) IsCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// NextSequence returns the next outbound callback sequence number and
// advances the cursor. Callers must hold the dispatcher's lock.
func (t *TaskRecord) NextSequence() int {
	t.CallbackCursor++
	return t.CallbackCursor
}

// Snapshot is the read-only view returned by lookup; it has no pointer
// aliasing into dispatcher-owned state.
type Snapshot struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	WorkerType    string     `json:"workerType"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     time.Time  `json:"startedAt,omitempty"`
	EndedAt       time.Time  `json:"endedAt,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
}

// Snapshot copies the fields safe to expose externally.
func (t *TaskRecord) Snapshot() Snapshot {
	return Snapshot{
		TaskID:     t.TaskID,
		Status:     t.Status,
		WorkerType: t.WorkerType,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		EndedAt:    t.EndedAt,
		ErrorCode:  t.ErrorCode,
	}
}

// CallbackEnvelope is the outbound, signed status event delivered to a
// task's callbackUrl.
type CallbackEnvelope struct {
	TaskID    string         `json:"taskId"`
	Sequence  int            `json:"sequence"`
	Status    string         `json:"status"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"-"`
}

// MarshalJSON flattens Payload alongside the envelope's fixed fields so
// that kind-specific keys (progressText, resultRef, errorCode,
// revertedFiles, diagnostics) sit at the top level of the body that gets
// signed and sent.
func (e CallbackEnvelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["taskId"] = e.TaskID
	out["sequence"] = e.Sequence
	out["status"] = e.Status
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}
