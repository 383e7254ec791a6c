// Package dispatcherr collects the domain error codes dispatchd uses to
// classify admission failures, pipeline failures, and callback failures,
// separate from the Go errors wrapped around them at each layer. Codes
// are strings, not typed enums: they cross process boundaries verbatim
// in HTTP bodies and callback envelopes, so the wire representation is
// the source of truth.
package dispatcherr

// Admission error codes, surfaced as HTTP status + reason.
const (
	MissingAuth      = "missing_auth"
	InvalidSignature = "invalid_signature"
	StaleTimestamp   = "stale_or_future_timestamp"
	InvalidTimestamp = "invalid_timestamp_format"
	ReplayedNonce    = "replayed_nonce"
	DuplicateTask    = "duplicate_task"
	AtCapacity       = "at_capacity"
	InvalidRequest   = "invalid_request"
	ServiceError     = "service_error"
)

// Pipeline error codes, surfaced only via terminal callbacks.
const (
	WorkspaceAllocationFailed = "workspace_allocation_failed"
	TokenUnavailable          = "token_unavailable"
	WorkerSpawnFailed         = "worker_spawn_failed"
	WorkerTimeout             = "worker_timeout"
	WorkerSilentExit          = "worker_silent_exit"
	SensitiveRevertPartial    = "sensitive_revert_partial"
	AllChangesSensitive       = "all_changes_sensitive"
	InternalError             = "internal_error"
)

// WorkerFailed formats the worker_failed(<code>) pipeline error code the
// stream parser emits when it observes __WORKER_FAILED__ <code>.
func WorkerFailed(code string) string {
	if code == "" {
		return "worker_failed"
	}
	return "worker_failed(" + code + ")"
}

// Callback error codes; logged, never surfaced to a caller.
const (
	CallbackPermanentReject = "callback_permanent_reject"
	CallbackExhausted       = "callback_exhausted"
	CallbackSigningError    = "callback_signing_error"
)
