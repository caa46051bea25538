package amppool

import (
	"errors"
	"fmt"

	"github.com/go-amp/amppool/proc"
	"github.com/go-amp/amppool/rpc"
)

// Namespace prefixes every sentinel error this package defines.
const Namespace = "amppool"

var (
	// ErrPoolStopped is returned by DoWork after Stop has been called,
	// or before Start has been called. Work submitted while Start is
	// still spawning its Min children is admitted, not refused.
	ErrPoolStopped = errors.New(Namespace + ": pool stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New(Namespace + ": pool already started")

	// ErrInvalidConfig is returned by AdjustPoolSize (or construction)
	// when min/max violate min>=0, max>=min.
	ErrInvalidConfig = errors.New(Namespace + ": invalid pool configuration")

	// ErrNoIdleWorker is returned by StopAWorker when no ready child
	// exists and none was specified.
	ErrNoIdleWorker = errors.New(Namespace + ": no idle worker")

	// ErrUnresolvedChild is returned by the child supervisor when the
	// requested child class has no registered spawn spec.
	ErrUnresolvedChild = proc.ErrUnresolvedChild

	// ErrConnectionLost is the failure outcome of any call outstanding
	// when its endpoint's connection is closed.
	ErrConnectionLost = rpc.ErrConnectionLost

	// ErrProtocolError is raised by an endpoint on a malformed frame or
	// an unknown correlator; the endpoint closes itself afterwards.
	ErrProtocolError = rpc.ErrProtocolError

	// ErrCancelled is the outcome of a queued work item cancelled
	// before admission.
	ErrCancelled = errors.New(Namespace + ": cancelled")

	// ErrWorkerCrashed is the outcome of a call whose child died while
	// it was outstanding. It wraps the proc exit reason.
	ErrWorkerCrashed = errors.New(Namespace + ": worker crashed")

	// ErrSpawnFailed is the outcome of a queued item whose growth-
	// triggered child failed to start (unresolved class, exec failure,
	// a broken bootstrap handshake, ...); the underlying proc error is
	// the PoolError's wrapped cause.
	ErrSpawnFailed = errors.New(Namespace + ": failed to spawn child")
)

// CallError is an application-level error returned inside a normal
// response frame. It is not one of the sentinel errors above and is
// never retried by the pool.
type CallError = rpc.CallError

// PoolError is the wrapping type Pool's operations surface their
// failures through: Kind names which sentinel applies (e.g.
// "worker_crashed", "cancelled"), and Err carries the underlying cause,
// if any (a proc exit reason, a spawn failure, ...). errors.Is/errors.As
// see straight through it to both the sentinel and the cause via
// Unwrap. New reports an invalid configuration as a plain wrapped
// ErrInvalidConfig instead, and ErrUnresolvedChild, ErrConnectionLost
// and ErrProtocolError are the proc and rpc sentinels, returned by
// those packages without a PoolError around them.
type PoolError struct {
	Kind string
	Err  error
}

func newPoolError(kind string, sentinel, cause error) *PoolError {
	if cause == nil {
		return &PoolError{Kind: kind, Err: sentinel}
	}
	return &PoolError{Kind: kind, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}

func (e *PoolError) Error() string {
	if e.Err == nil {
		return Namespace + ": " + e.Kind
	}
	return fmt.Sprintf("%s (%s)", e.Err, e.Kind)
}

func (e *PoolError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &PoolError{Kind: k}) match any PoolError of
// the same Kind regardless of its wrapped cause, for callers that want
// to branch on failure category without comparing causes.
func (e *PoolError) Is(target error) bool {
	other, ok := target.(*PoolError)
	return ok && other.Kind == e.Kind && other.Err == nil
}

// newCrashError wraps ErrWorkerCrashed as a PoolError carrying the exit
// reason that caused it.
func newCrashError(reason error) error {
	return newPoolError("worker_crashed", ErrWorkerCrashed, reason)
}
