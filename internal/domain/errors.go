package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter and orchestrator failures. The kind
// decides retry and idempotence behaviour in the executor, so every
// error that crosses the Directory port must carry one.
type ErrorKind string

const (
	// KindAuth covers 401/403 from the directory: a credential problem
	// that aborts the run before any mutation.
	KindAuth ErrorKind = "AUTH"
	// KindTransient covers network errors, timeouts, throttling and
	// 5xx responses. Retried with backoff.
	KindTransient ErrorKind = "TRANSIENT"
	// KindConflict means a grant target already exists. Idempotent
	// success.
	KindConflict ErrorKind = "CONFLICT"
	// KindNotFound means a revoke target is already absent. Idempotent
	// success.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindConfig covers missing or invalid configuration and
	// desired-state input. Fatal before fetch.
	KindConfig ErrorKind = "CONFIG"
)

// OpError is a classified failure of a single directory or sync
// operation.
type OpError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err with an operation name and a kind.
func NewOpError(kind ErrorKind, op string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors default to KindTransient so an unknown failure is retried
// rather than silently treated as success.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindTransient
}

func IsAuth(err error) bool      { return hasKind(err, KindAuth) }
func IsTransient(err error) bool { return hasKind(err, KindTransient) }
func IsConflict(err error) bool  { return hasKind(err, KindConflict) }
func IsNotFound(err error) bool  { return hasKind(err, KindNotFound) }
func IsConfig(err error) bool    { return hasKind(err, KindConfig) }

func hasKind(err error, kind ErrorKind) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Kind == kind
}

// ErrRunInProgress is returned when a sync is requested for an
// application that already has a run underway.
var ErrRunInProgress = errors.New("a sync run is already in progress for this application")

// ErrFullRevokeNotConfirmed guards against a misconfigured desired-state
// source revoking every assignment: an empty desired state is only
// applied when the request explicitly confirms it.
var ErrFullRevokeNotConfirmed = errors.New("desired state is empty; pass full-revoke confirmation to revoke all assignments")
