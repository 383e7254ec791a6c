// Package dispatcher is the composition root: it admits submissions under
// a capacity bound, owns per-task records, and sequences the pipeline
// verify -> admit -> provision workspace -> inject credential -> spawn
// worker -> parse stream -> guard -> emit callbacks -> release slot.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dispatchd/pkg/callback"
	"github.com/cuemby/dispatchd/pkg/dispatcherr"
	"github.com/cuemby/dispatchd/pkg/events"
	"github.com/cuemby/dispatchd/pkg/guard"
	"github.com/cuemby/dispatchd/pkg/identity"
	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
	"github.com/cuemby/dispatchd/pkg/runner"
	"github.com/cuemby/dispatchd/pkg/stream"
	"github.com/cuemby/dispatchd/pkg/types"
	"github.com/cuemby/dispatchd/pkg/workspace"
)

// CredentialEnvVar is the environment variable the worker subprocess
// reads its downstream code-host credential from.
const CredentialEnvVar = "DISPATCH_CREDENTIAL"

// SubmitRejection is the reason a submission was not admitted.
type SubmitRejection string

const (
	RejectNone           SubmitRejection = ""
	RejectDuplicate      SubmitRejection = "duplicate"
	RejectAtCapacity     SubmitRejection = "at_capacity"
	RejectInvalidRequest SubmitRejection = "invalid_request"
	RejectServiceError   SubmitRejection = "service_error"
)

// CancelResult is the outcome of a cancel call.
type CancelResult string

const (
	CancelAccepted        CancelResult = "accepted"
	CancelNotFound        CancelResult = "not_found"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Config bundles the pipeline's tunables.
type Config struct {
	Capacity         int
	WorkerBinary     string
	WorkerArgs       []string
	TerminationGrace time.Duration

	CallbackMaxAttempts  int
	CallbackInitialDelay time.Duration
	CallbackMaxDelay     time.Duration
}

// Dispatcher is the public contract: submit, cancel, lookup, status.
type Dispatcher struct {
	cfg       Config
	workspace *workspace.Manager
	identity  *identity.Provider
	outbox    *callback.Outbox
	broker    *events.Broker

	sem chan struct{}

	mu      sync.RWMutex
	tasks   map[string]*types.TaskRecord
	running int

	draining bool
}

// New builds a Dispatcher. It does not start accepting work until the
// caller begins routing admitted requests to Submit.
func New(cfg Config, ws *workspace.Manager, idp *identity.Provider, outbox *callback.Outbox, broker *events.Broker) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		workspace: ws,
		identity:  idp,
		outbox:    outbox,
		broker:    broker,
		sem:       make(chan struct{}, cfg.Capacity),
		tasks:     make(map[string]*types.TaskRecord),
	}
}

// Submit admits req if there is capacity and no live task with the same
// ID, then launches the task's pipeline asynchronously.
func (d *Dispatcher) Submit(req types.SubmitRequest, timeout time.Duration) SubmitRejection {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		metrics.TasksSubmittedTotal.WithLabelValues(string(RejectAtCapacity)).Inc()
		return RejectAtCapacity
	}
	if existing, ok := d.tasks[req.TaskID]; ok && !existing.Status.Terminal() {
		d.mu.Unlock()
		metrics.TasksSubmittedTotal.WithLabelValues(string(RejectDuplicate)).Inc()
		return RejectDuplicate
	}

	select {
	case d.sem <- struct{}{}:
	default:
		d.mu.Unlock()
		metrics.TasksSubmittedTotal.WithLabelValues(string(RejectAtCapacity)).Inc()
		return RejectAtCapacity
	}

	record := types.NewTaskRecord(req, timeout)
	d.tasks[req.TaskID] = record
	d.running++
	metrics.TasksRunning.Set(float64(d.running))
	d.mu.Unlock()

	metrics.TasksSubmittedTotal.WithLabelValues("accepted").Inc()
	d.broker.Publish(events.Event{Kind: events.TaskQueued, TaskID: req.TaskID})

	go d.run(record)

	return RejectNone
}

// Cancel latches cancellation on a live task. Idempotent: repeated calls
// on a task that is still live return accepted as well; the latch ignores
// every call after the first, so the caller-visible effect is identical.
func (d *Dispatcher) Cancel(taskID string) CancelResult {
	d.mu.RLock()
	record, ok := d.tasks[taskID]
	d.mu.RUnlock()

	if !ok {
		return CancelNotFound
	}
	if record.Status.Terminal() {
		return CancelAlreadyTerminal
	}

	record.Cancel()
	return CancelAccepted
}

// Lookup returns a read-only snapshot of a task, or false if unknown.
func (d *Dispatcher) Lookup(taskID string) (types.Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	record, ok := d.tasks[taskID]
	if !ok {
		return types.Snapshot{}, false
	}
	return record.Snapshot(), true
}

// LiveTaskIDs returns the set of task IDs not yet in a terminal state,
// used by the janitor to distinguish a leaked workspace from one still in
// use.
func (d *Dispatcher) LiveTaskIDs() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	live := make(map[string]bool, len(d.tasks))
	for id, record := range d.tasks {
		if !record.Status.Terminal() {
			live[id] = true
		}
	}
	return live
}

// Status summarizes capacity for the health endpoint.
type Status struct {
	Capacity       int
	Running        int
	Available      int
	Draining       bool
	TokenExpiresAt time.Time
}

// Status returns a cheap snapshot of dispatcher occupancy.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{
		Capacity:       d.cfg.Capacity,
		Running:        d.running,
		Available:      d.cfg.Capacity - d.running,
		Draining:       d.draining,
		TokenExpiresAt: d.identity.ExpiresAt(),
	}
}

// Drain latches draining so Submit starts rejecting with at_capacity. It
// does not itself wait for in-flight tasks; the caller polls LiveTaskIDs.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
}

// RefreshToken forces an immediate credential refresh, bypassing the
// identity provider's safety-margin cache, for POST /admin/refresh-token.
func (d *Dispatcher) RefreshToken(ctx context.Context) (identity.Token, error) {
	return d.identity.ForceRefresh(ctx)
}

// run executes one task's full pipeline: workspace -> credential -> spawn
// -> stream -> guard -> terminal callback -> release.
func (d *Dispatcher) run(record *types.TaskRecord) {
	ctx := context.Background()
	logger := log.WithTaskID(record.TaskID)

	defer func() {
		d.mu.Lock()
		d.running--
		metrics.TasksRunning.Set(float64(d.running))
		d.mu.Unlock()
		<-d.sem
	}()

	d.outbox.Open(record.TaskID, record.CallbackURL, record.CallbackSecret)

	d.setStatus(record, types.TaskRunning)
	record.StartedAt = time.Now()

	if record.IsCancelled() {
		d.finish(record, types.TaskCancelled, "", nil)
		return
	}

	handle, err := d.workspace.Allocate(ctx, record.TaskID, record.BaseRevision)
	if err != nil {
		logger.Error().Err(err).Msg("workspace allocation failed")
		d.finish(record, types.TaskFailed, dispatcherr.WorkspaceAllocationFailed, nil)
		return
	}
	record.WorkspacePath = handle.Path

	if err := d.workspace.Clean(ctx, handle); err != nil {
		logger.Warn().Err(err).Msg("pre-run workspace clean failed")
	}

	defer func() {
		if err := d.workspace.Dispose(context.Background(), handle); err != nil {
			logger.Warn().Err(err).Msg("workspace disposal failed; leaking until process exit")
			return
		}
		d.mu.Lock()
		record.WorkspacePath = ""
		d.mu.Unlock()
	}()

	if record.IsCancelled() {
		d.finish(record, types.TaskCancelled, "", nil)
		return
	}

	token, err := d.identity.Current(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("credential unavailable")
		d.finish(record, types.TaskFailed, dispatcherr.TokenUnavailable, nil)
		return
	}

	sink := &dispatchSink{dispatcher: d, record: record}

	outcome, err := runner.Run(runner.Options{
		Binary:    d.cfg.WorkerBinary,
		Args:      append([]string{record.WorkerType, record.Prompt}, d.cfg.WorkerArgs...),
		WorkDir:   handle.Path,
		Env:       []string{fmt.Sprintf("%s=%s", CredentialEnvVar, token.Value)},
		Timeout:   record.Timeout,
		Grace:     d.cfg.TerminationGrace,
		Cancelled: record.Cancelled(),
		Sink:      sink,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to spawn worker")
		d.finish(record, types.TaskFailed, dispatcherr.WorkerSpawnFailed, nil)
		return
	}

	if outcome.Cancelled || outcome.TimedOut {
		d.finish(record, types.TaskCancelled, "", nil)
		return
	}

	switch outcome.FinalState {
	case stream.StateSucceeded:
		d.guardAndFinish(ctx, record, handle)
	case stream.StateFailed:
		d.finish(record, types.TaskFailed, dispatcherr.WorkerFailed(sink.failureCode), nil)
	default:
		if outcome.ExitCode == 0 {
			d.finish(record, types.TaskFailed, dispatcherr.WorkerSilentExit, nil)
		} else {
			d.finish(record, types.TaskFailed, dispatcherr.WorkerFailed(""), nil)
		}
	}
}

// guardAndFinish runs the sensitive-file guard after a successful worker
// exit and decides the terminal event from its result.
func (d *Dispatcher) guardAndFinish(ctx context.Context, record *types.TaskRecord, handle *workspace.Handle) {
	if err := d.workspace.Clean(ctx, handle); err != nil {
		log.WithTaskID(record.TaskID).Warn().Err(err).Msg("pre-guard workspace clean failed")
	}

	result, err := guard.Evaluate(ctx, handle.Path, 1)
	if err != nil {
		log.WithTaskID(record.TaskID).Error().Err(err).Msg("guard evaluation failed")
		d.finish(record, types.TaskFailed, dispatcherr.InternalError, nil)
		return
	}

	if result.AllSensitive {
		d.finish(record, types.TaskCancelled, dispatcherr.AllChangesSensitive, map[string]any{
			"revertedFiles": result.Reverted,
		})
		return
	}

	payload := map[string]any{}
	if len(result.Remaining) > 0 {
		payload["diagnostics"] = map[string]any{"revertFailures": result.Remaining}
	}
	if len(result.Reverted) > 0 {
		payload["revertedFiles"] = result.Reverted
	}
	d.finish(record, types.TaskCompleted, "", payload)
}

func (d *Dispatcher) setStatus(record *types.TaskRecord, status types.TaskStatus) {
	d.mu.Lock()
	record.Status = status
	d.mu.Unlock()
}

// finish transitions the task to a terminal status, emits the terminal
// callback, and closes its outbox. It always runs, even on cancellation
// or internal failure, matching the pipeline's always-dispose contract.
func (d *Dispatcher) finish(record *types.TaskRecord, status types.TaskStatus, errorCode string, extra map[string]any) {
	d.mu.Lock()
	record.Status = status
	record.EndedAt = time.Now()
	record.ErrorCode = errorCode
	d.mu.Unlock()

	payload := map[string]any{}
	for k, v := range extra {
		payload[k] = v
	}
	if errorCode != "" {
		payload["errorCode"] = errorCode
	}

	d.emit(record, string(status), payload)
	d.outbox.Close(record.TaskID)
	metrics.TasksTerminalTotal.WithLabelValues(string(status)).Inc()

	d.broker.Publish(events.Event{Kind: events.TaskTerminal, TaskID: record.TaskID, Status: string(status)})
}

// emit assigns the next sequence number under the dispatcher's lock and
// enqueues the envelope with the outbox.
func (d *Dispatcher) emit(record *types.TaskRecord, status string, payload map[string]any) {
	d.mu.Lock()
	seq := record.NextSequence()
	d.mu.Unlock()

	env := types.CallbackEnvelope{
		TaskID:    record.TaskID,
		Sequence:  seq,
		Status:    status,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	if err := d.outbox.Enqueue(record.TaskID, env); err != nil {
		log.WithTaskID(record.TaskID).Error().Err(err).Msg("failed to enqueue callback")
	}
}

// dispatchSink adapts stream.Sink to the dispatcher, translating parser
// events into outbound progress callbacks.
type dispatchSink struct {
	dispatcher  *Dispatcher
	record      *types.TaskRecord
	failureCode string
}

func (s *dispatchSink) Handle(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventStarted:
		s.dispatcher.emit(s.record, "started", nil)
	case stream.EventProgress:
		s.dispatcher.emit(s.record, "progress", map[string]any{"progressText": ev.Text})
	case stream.EventFailed:
		s.failureCode = ev.Text
	}
	return nil
}
