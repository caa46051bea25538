package rpc

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-amp/amppool/internal/future"
)

// Handler answers one incoming request. A nil *CallError return means
// success.
type Handler func(args map[string]any) (map[string]any, *CallError)

// HandlerRegistry binds command names to Handlers, installed on an
// Endpoint at construction (e.g. the parent's ampParent handlers
// installed on a child's endpoint).
type HandlerRegistry map[string]Handler

// CallError is an application-level failure carried inside a normal
// response frame (error-kind + message), as opposed to a transport
// failure such as ErrConnectionLost or ErrProtocolError.
type CallError struct {
	Kind    string
	Message string
}

func (e *CallError) Error() string { return e.Kind + ": " + e.Message }

// CallResult is what a Call's future settles with on any framed
// response, success or application error. A transport failure instead
// fails the future outright (see Future.Fail) and never produces a
// CallResult.
type CallResult struct {
	Response map[string]any
	AppErr   *CallError
}

type callRecord struct {
	command string
	fut     *future.Future[CallResult]
}

// Endpoint correlates outgoing requests with incoming responses on a
// single duplex byte stream, and dispatches incoming requests to
// registered handlers.
type Endpoint struct {
	codec *Codec
	r     *bufio.Reader
	w     io.Writer

	mu       sync.Mutex
	handlers HandlerRegistry
	pending  map[uint64]*callRecord
	closed   bool
	closeErr error

	// onWarn, if set, is called with a frame's non-fatal unknown_field
	// warnings as they are decoded. Set via SetWarningHandler before
	// Serve starts; nil means warnings are silently discarded.
	onWarn func(Frame)

	nextTag atomic.Uint64
}

// NewEndpoint wraps r/w (typically a child's stdout/stdin, from the
// parent's perspective) in an RPC endpoint. handlers, if non-nil, is
// installed immediately (the ampParent registry). schema, if non-nil,
// is installed on the endpoint's codec so ReadFrame can flag
// unknown_field warnings against it; pass nil to skip the check.
func NewEndpoint(r io.Reader, w io.Writer, handlers HandlerRegistry, schema SchemaLookup) *Endpoint {
	if handlers == nil {
		handlers = make(HandlerRegistry)
	} else {
		cloned := make(HandlerRegistry, len(handlers))
		for k, v := range handlers {
			cloned[k] = v
		}
		handlers = cloned
	}
	codec := NewCodec()
	if schema != nil {
		codec.SetSchemaLookup(schema)
	}
	return &Endpoint{
		codec:    codec,
		r:        bufio.NewReader(r),
		w:        w,
		handlers: handlers,
		pending:  make(map[uint64]*callRecord),
	}
}

// SetWarningHandler installs fn to be called whenever ReadFrame
// decodes a frame carrying unknown_field warnings. Call it before
// Serve starts; it is not safe for concurrent use with Serve.
func (e *Endpoint) SetWarningHandler(fn func(Frame)) { e.onWarn = fn }

// Register binds an incoming command name to a handler.
// Re-registration is a programmer error.
func (e *Endpoint) Register(command string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[command]; exists {
		panic("amppool/rpc: command already registered: " + command)
	}
	e.handlers[command] = h
}

// Call allocates a correlator, writes a request frame, and blocks until
// a matching response/error frame arrives, returning the decoded
// response (or application error) as a CallResult. A transport error
// (connection already closed, a failed write, or the connection lost
// while waiting) or ctx being done is returned as the error instead.
func (e *Endpoint) Call(ctx context.Context, command string, args map[string]any) (CallResult, error) {
	fut := future.New[CallResult]()

	e.mu.Lock()
	if e.closed {
		err := e.closeErr
		e.mu.Unlock()
		return CallResult{}, wrap(ErrConnectionLost, err)
	}
	tag := e.nextTag.Add(1)
	e.pending[tag] = &callRecord{command: command, fut: fut}
	e.mu.Unlock()

	if err := e.codec.WriteFrame(e.w, Frame{Command: command, Tag: tag, Kind: FrameRequest, Payload: args}); err != nil {
		e.mu.Lock()
		delete(e.pending, tag)
		e.mu.Unlock()
		return CallResult{}, err
	}

	return fut.Wait(ctx)
}

// Serve reads frames until the stream ends or a fatal protocol error
// occurs, dispatching each to onFrame. It returns once the connection
// is no longer usable; callers typically run it in its own goroutine.
func (e *Endpoint) Serve(ctx context.Context) {
	for {
		frame, err := e.codec.ReadFrame(e.r)
		if err != nil {
			if err == io.EOF || isWrapped(err, ErrShortRead) {
				e.closeConnection(wrap(ErrConnectionLost, err))
			} else {
				e.closeConnection(wrap(ErrProtocolError, err))
			}
			return
		}
		if len(frame.Warnings) > 0 && e.onWarn != nil {
			e.onWarn(frame)
		}
		e.onFrame(ctx, frame)
	}
}

func isWrapped(err error, sentinel error) bool {
	wr, ok := err.(*wrappedReason)
	return ok && wr.sentinel == sentinel
}

func (e *Endpoint) onFrame(ctx context.Context, f Frame) {
	switch f.Kind {
	case FrameRequest:
		go e.handleRequest(f)

	case FrameResponse:
		e.completeCall(f.Tag, CallResult{Response: f.Payload}, nil)

	case FrameError:
		kind, _ := f.Payload["kind"].(string)
		message, _ := f.Payload["message"].(string)
		e.completeCall(f.Tag, CallResult{AppErr: &CallError{Kind: kind, Message: message}}, nil)

	default:
		e.closeConnection(wrap(ErrProtocolError, ErrMalformedFrame))
	}
}

func (e *Endpoint) completeCall(tag uint64, result CallResult, transportErr error) {
	e.mu.Lock()
	rec, ok := e.pending[tag]
	if ok {
		delete(e.pending, tag)
	}
	e.mu.Unlock()

	if !ok {
		// Unknown correlator: fatal.
		e.closeConnection(wrap(ErrProtocolError, nil))
		return
	}

	if transportErr != nil {
		rec.fut.Fail(transportErr)
	} else {
		rec.fut.Settle(result)
	}
}

func (e *Endpoint) handleRequest(f Frame) {
	e.mu.Lock()
	h, ok := e.handlers[f.Command]
	e.mu.Unlock()

	var resp Frame
	if !ok {
		resp = Frame{Command: f.Command, Tag: f.Tag, Kind: FrameError, Payload: map[string]any{
			"kind": "unknown_command", "message": ErrUnknownCommand.Error() + ": " + f.Command,
		}}
	} else {
		out, cerr := h(f.Payload)
		if cerr != nil {
			resp = Frame{Command: f.Command, Tag: f.Tag, Kind: FrameError, Payload: map[string]any{
				"kind": cerr.Kind, "message": cerr.Message,
			}}
		} else {
			resp = Frame{Command: f.Command, Tag: f.Tag, Kind: FrameResponse, Payload: out}
		}
	}

	_ = e.codec.WriteFrame(e.w, resp)
}

// Close closes the endpoint for application reasons (e.g. the
// supervisor observed the child's process exit). Equivalent to
// on_connection_lost: every outstanding call fails with
// ErrConnectionLost and subsequent Call invocations fail immediately.
func (e *Endpoint) Close(reason error) {
	e.closeConnection(wrap(ErrConnectionLost, reason))
}

func (e *Endpoint) closeConnection(reason error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = reason
	pending := e.pending
	e.pending = make(map[uint64]*callRecord)
	e.mu.Unlock()

	for _, rec := range pending {
		rec.fut.Fail(reason)
	}
}
