package rpc

import "errors"

var (
	// ErrShortRead is returned when the stream ends mid-frame.
	ErrShortRead = errors.New("amppool/rpc: short read")

	// ErrMalformedFrame is returned when a frame's structure is
	// violated (bad kind, truncated envelope, ...).
	ErrMalformedFrame = errors.New("amppool/rpc: malformed frame")

	// ErrConnectionLost is the failure outcome of every call record
	// outstanding when the endpoint's connection closes.
	ErrConnectionLost = errors.New("amppool/rpc: connection lost")

	// ErrProtocolError is raised on a malformed frame or an unknown
	// correlator; the endpoint closes itself immediately afterward.
	ErrProtocolError = errors.New("amppool/rpc: protocol error")

	// ErrUnknownCommand is the application-level error an endpoint
	// returns for a request naming a command with no registered
	// handler.
	ErrUnknownCommand = errors.New("amppool/rpc: unknown command")
)

// wrappedReason wraps one of the sentinels above with the concrete
// cause (an io error, a decode error, ...), following the same
// sentinel+cause convention the root package's PoolError uses.
type wrappedReason struct {
	sentinel error
	reason   error
}

func wrap(sentinel, reason error) error {
	if reason == nil {
		return sentinel
	}
	return &wrappedReason{sentinel: sentinel, reason: reason}
}

func (e *wrappedReason) Error() string {
	if e.reason == nil {
		return e.sentinel.Error()
	}
	return e.sentinel.Error() + ": " + e.reason.Error()
}

func (e *wrappedReason) Unwrap() []error { return []error{e.sentinel, e.reason} }
