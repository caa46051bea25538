package proc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/sourcegraph/conc"

	"github.com/go-amp/amppool/internal/future"
	"github.com/go-amp/amppool/rpc"
)

// ErrUnresolvedChild is returned by Spawn when class has no ChildSpec
// registered.
var ErrUnresolvedChild = errors.New("amppool/proc: child class not resolvable")

// ExitKind classifies how a child process ended.
type ExitKind string

const (
	ExitClean   ExitKind = "clean_exit"
	ExitNonzero ExitKind = "nonzero_exit"
	ExitKilled  ExitKind = "killed"
)

// ExitReason is the terminal state of a spawned child, delivered once
// its stdout has been fully drained and its process reaped.
type ExitReason struct {
	Kind   ExitKind
	Code   int
	Signal string
}

// Error describes r, so an ExitReason can be carried as the cause of a
// worker_crashed error.
func (r ExitReason) Error() string {
	switch r.Kind {
	case ExitNonzero:
		return string(r.Kind) + " (code " + strconv.Itoa(r.Code) + ")"
	case ExitKilled:
		return string(r.Kind) + " (" + r.Signal + ")"
	default:
		return string(r.Kind)
	}
}

// Child is a live handle on one spawned process: its RPC endpoint and
// the means to kill it.
type Child struct {
	Endpoint *rpc.Endpoint

	cmd *exec.Cmd
}

// Kill terminates the underlying process immediately. It does not wait
// for the process to exit; the associated ExitReason future still
// fires once Supervisor's reaper goroutine observes the exit.
func (c *Child) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Supervisor launches child processes named in a Registry and wires
// each one's stdio to a fresh rpc.Endpoint.
type Supervisor struct {
	Registry *Registry
}

// NewSupervisor returns a Supervisor resolving classes against reg. A
// nil reg falls back to DefaultRegistry.
func NewSupervisor(reg *Registry) *Supervisor {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Supervisor{Registry: reg}
}

// Spawn resolves class, starts the child process, performs the text
// bootstrap handshake, and wraps its stdio in an rpc.Endpoint already
// serving in the background. parentHandlers is installed on the
// endpoint so the child can call back into the parent (ampParent).
// schema, if non-nil, is installed on the endpoint so incoming frames
// are checked for unknown_field warnings; pass nil to skip the check.
// onWarn, if non-nil, is installed as the endpoint's warning handler
// before it starts serving, so every warning the schema check raises
// over the child's lifetime reaches it.
//
// The returned future fires exactly once, after the child's stdout has
// been completely drained into the endpoint (so no response the child
// sent before dying is lost) and its process has been reaped.
func (s *Supervisor) Spawn(ctx context.Context, class string, args []string, parentHandlers rpc.HandlerRegistry, schema rpc.SchemaLookup, onWarn func(rpc.Frame)) (*Child, *future.Future[ExitReason], error) {
	spec, ok := s.Registry.Resolve(class)
	if !ok {
		return nil, nil, ErrUnresolvedChild
	}

	fullArgs := make([]string, 0, len(spec.BaseArgs)+len(args))
	fullArgs = append(fullArgs, spec.BaseArgs...)
	fullArgs = append(fullArgs, args...)

	cmd := exec.Command(spec.Command, fullArgs...)
	cmd.Stderr = os.Stderr
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	if err := writeBootstrap(stdin, Bootstrap{Class: class, Args: args}); err != nil {
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
		_ = cmd.Wait()
		return nil, nil, err
	}

	endpoint := rpc.NewEndpoint(stdout, stdin, parentHandlers, schema)
	if onWarn != nil {
		endpoint.SetWarningHandler(onWarn)
	}
	child := &Child{Endpoint: endpoint, cmd: cmd}
	finished := future.New[ExitReason]()

	var wg conc.WaitGroup
	wg.Go(func() { endpoint.Serve(ctx) })

	go func() {
		// Serve only returns once stdout has hit EOF, which on a pipe
		// happens precisely when the child has exited (or closed its
		// end). Only then is it safe to reap: os/exec requires every
		// read from a StdoutPipe to finish before Wait is called.
		wg.Wait()
		waitErr := cmd.Wait()
		finished.Settle(classifyWaitErr(waitErr))
	}()

	return child, finished, nil
}
