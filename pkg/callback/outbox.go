package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/dispatchd/pkg/audit"
	"github.com/cuemby/dispatchd/pkg/dispatcherr"
	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
	"github.com/cuemby/dispatchd/pkg/types"
)

// terminalStatuses is the set of task statuses whose callback is retried
// indefinitely rather than dropped after the attempt budget.
var terminalStatuses = map[string]bool{
	string(types.TaskCompleted): true,
	string(types.TaskFailed):    true,
	string(types.TaskCancelled): true,
}

// Outbox owns one ordered delivery queue per task. Enqueue blocks the
// caller while the queue's single delivery goroutine is busy with the
// prior event; this is the deliberate back-pressure mechanism that
// throttles the stream parser (and, transitively, the worker's stdout
// pipe).
type Outbox struct {
	client       *http.Client
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	audit        *audit.Log

	mu     sync.Mutex
	queues map[string]*taskQueue
}

type taskQueue struct {
	ch          chan types.CallbackEnvelope
	callbackURL string
	secret      string
}

// NewOutbox builds an Outbox with a 30-second-per-attempt HTTP client, the
// per-attempt callback delivery timeout.
func NewOutbox(maxAttempts int, initialDelay, maxDelay time.Duration) *Outbox {
	return &Outbox{
		client:       &http.Client{Timeout: 30 * time.Second},
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		queues:       make(map[string]*taskQueue),
	}
}

// WithAudit attaches an audit log that records every delivery attempt's
// outcome. Optional; a nil audit log disables recording.
func (o *Outbox) WithAudit(a *audit.Log) *Outbox {
	o.audit = a
	return o
}

// Open registers a task's outbox and starts its delivery goroutine. Must
// be called once before the first Enqueue for a task.
func (o *Outbox) Open(taskID, callbackURL, secret string) {
	q := &taskQueue{
		ch:          make(chan types.CallbackEnvelope),
		callbackURL: callbackURL,
		secret:      secret,
	}

	o.mu.Lock()
	o.queues[taskID] = q
	o.mu.Unlock()

	go o.drain(taskID, q)
}

// Enqueue places an envelope on the task's queue, blocking until the
// delivery goroutine is free to accept it.
func (o *Outbox) Enqueue(taskID string, env types.CallbackEnvelope) error {
	o.mu.Lock()
	q := o.queues[taskID]
	o.mu.Unlock()

	if q == nil {
		return fmt.Errorf("callback: outbox not open for task %s", taskID)
	}
	q.ch <- env
	return nil
}

// Close releases a task's queue. Called after the terminal event has been
// handed to the delivery goroutine.
func (o *Outbox) Close(taskID string) {
	o.mu.Lock()
	q := o.queues[taskID]
	delete(o.queues, taskID)
	o.mu.Unlock()

	if q != nil {
		close(q.ch)
	}
}

// drain delivers envelopes for one task, strictly in order, until its
// channel is closed.
func (o *Outbox) drain(taskID string, q *taskQueue) {
	for env := range q.ch {
		o.deliverWithRetry(taskID, q, env)
	}
}

func (o *Outbox) deliverWithRetry(taskID string, q *taskQueue, env types.CallbackEnvelope) {
	terminal := terminalStatuses[env.Status]
	logger := log.WithTaskID(taskID)

	body, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Msg(dispatcherr.CallbackSigningError)
		return
	}

	for attempt := 0; ; attempt++ {
		if !terminal && attempt >= o.maxAttempts {
			logger.Warn().Int("sequence", env.Sequence).Msg(dispatcherr.CallbackExhausted)
			metrics.CallbackDroppedTotal.Inc()
			o.recordAttempt(taskID, env, "exhausted", attempt)
			return
		}

		outcome := o.deliverOnce(q.callbackURL, q.secret, body)

		switch outcome {
		case outcomeAccepted:
			metrics.CallbackDeliveredTotal.WithLabelValues(env.Status).Inc()
			o.recordAttempt(taskID, env, "accepted", attempt)
			return
		case outcomePermanent:
			logger.Warn().Int("sequence", env.Sequence).Msg(dispatcherr.CallbackPermanentReject)
			o.recordAttempt(taskID, env, "permanent_reject", attempt)
			return
		case outcomeRetry:
			metrics.CallbackRetriesTotal.Inc()
			o.recordAttempt(taskID, env, "retry", attempt)
			time.Sleep(backoff(attempt, o.initialDelay, o.maxDelay))
		}
	}
}

func (o *Outbox) recordAttempt(taskID string, env types.CallbackEnvelope, outcome string, attempt int) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(audit.Entry{
		TaskID:   taskID,
		Sequence: env.Sequence,
		Status:   env.Status,
		Outcome:  outcome,
		Attempt:  attempt,
	}); err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Msg("audit: failed to record delivery attempt")
	}
}

type deliveryOutcome int

const (
	outcomeAccepted deliveryOutcome = iota
	outcomePermanent
	outcomeRetry
)

func (o *Outbox) deliverOnce(callbackURL, secret string, body []byte) deliveryOutcome {
	timestamp := nowTimestamp()
	signature := sign(secret, timestamp, body)

	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return outcomeRetry
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)

	resp, err := o.client.Do(req)
	if err != nil {
		return outcomeRetry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeAccepted
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRetry
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outcomePermanent
	default:
		return outcomeRetry
	}
}

// backoff computes an exponential delay with full jitter: a random
// duration in [0, min(maxDelay, initialDelay * 2^attempt)], bounds
// included.
func backoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	ceiling := float64(maxDelay)
	base := float64(initialDelay) * float64(uint64(1)<<uint(minInt(attempt, 30)))
	if base > ceiling {
		base = ceiling
	}
	return time.Duration(rand.Int63n(int64(base) + 1))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
