// Package amptest provides the child side of the pool's tests: a
// small in-process "child image" that understands the control
// commands every real child must (Echo, Shutdown) plus a handful of
// commands the test suite uses to exercise growth, crash handling, and
// recycling (Die, Pid, Sleep, Relay).
//
// It is launched the way the os/exec package's own tests launch a
// helper process: the test binary re-execs itself with an environment
// variable set, and MaybeRunHelper intercepts that invocation inside
// TestMain before any *testing.T ever runs.
package amptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-amp/amppool/proc"
	"github.com/go-amp/amppool/rpc"
)

// HelperEnvVar gates re-exec into Main. Set it in a ChildSpec's Env so
// a spawned copy of the test binary runs as a child image instead of
// as the test suite.
const HelperEnvVar = "AMPPOOL_HELPER_PROCESS"

// MaybeRunHelper runs Main and exits the process if HelperEnvVar is
// set, otherwise returns immediately. Call it first thing in a
// package's TestMain.
func MaybeRunHelper() {
	if os.Getenv(HelperEnvVar) == "" {
		return
	}
	Main()
	os.Exit(0)
}

// Main reads the bootstrap line off stdin, attaches an RPC endpoint to
// stdin/stdout, registers the command set, and serves until the parent
// closes the connection.
func Main() {
	br := bufio.NewReader(os.Stdin)
	line, err := br.ReadString('\n')
	if err != nil {
		fmt.Fprintln(os.Stderr, "amptest: reading bootstrap line:", err)
		os.Exit(2)
	}

	var boot proc.Bootstrap
	if err := json.Unmarshal([]byte(line), &boot); err != nil {
		fmt.Fprintln(os.Stderr, "amptest: decoding bootstrap line:", err)
		os.Exit(2)
	}

	ep := rpc.NewEndpoint(br, os.Stdout, nil, nil)
	register(ep)
	ep.Serve(context.Background())
}

func register(ep *rpc.Endpoint) {
	ep.Register("Echo", func(args map[string]any) (map[string]any, *rpc.CallError) {
		return map[string]any{"response": args["data"]}, nil
	})

	ep.Register("Pid", func(args map[string]any) (map[string]any, *rpc.CallError) {
		return map[string]any{"pid": int64(os.Getpid())}, nil
	})

	ep.Register("Die", func(args map[string]any) (map[string]any, *rpc.CallError) {
		// Exits the whole process before handleRequest ever gets a
		// chance to write a response frame: stdout closes with the
		// call still outstanding, simulating a child that crashed
		// mid-request rather than one that answered and then died.
		os.Exit(1)
		return nil, nil
	})

	ep.Register("Shutdown", func(args map[string]any) (map[string]any, *rpc.CallError) {
		go func() {
			// Give the response frame this handler's return triggers
			// time to reach the pipe before the process disappears.
			time.Sleep(5 * time.Millisecond)
			os.Exit(0)
		}()
		return map[string]any{}, nil
	})

	ep.Register("Sleep", func(args map[string]any) (map[string]any, *rpc.CallError) {
		time.Sleep(sleepDuration(args))
		return map[string]any{}, nil
	})

	ep.Register("Relay", func(args map[string]any) (map[string]any, *rpc.CallError) {
		result, err := ep.Call(context.Background(), "ParentEcho", args)
		if err != nil {
			return nil, &rpc.CallError{Kind: "relay_failed", Message: err.Error()}
		}
		if result.AppErr != nil {
			return nil, result.AppErr
		}
		return result.Response, nil
	})
}

// sleepDuration reads args["ms"], tolerating the numeric types a
// msgpack round trip may produce it as.
func sleepDuration(args map[string]any) time.Duration {
	switch v := args["ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	case uint64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}
