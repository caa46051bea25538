package rpc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair wires two Endpoints together over in-memory pipes, the way
// a parent and child would be wired over a spawned process's stdio.
func pipePair(t *testing.T, aHandlers, bHandlers HandlerRegistry) (a, b *Endpoint) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	a = NewEndpoint(ar, aw, aHandlers, nil)
	b = NewEndpoint(br, bw, bHandlers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Serve(ctx)
	go b.Serve(ctx)
	return a, b
}

func TestEndpointCallRoundTrip(t *testing.T) {
	handlers := HandlerRegistry{
		"Echo": func(args map[string]any) (map[string]any, *CallError) {
			return map[string]any{"response": args["data"]}, nil
		},
	}
	a, _ := pipePair(t, nil, handlers)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := a.Call(ctx, "Echo", map[string]any{"data": "hello"})
	require.NoError(t, err)
	assert.Nil(t, result.AppErr)
	assert.Equal(t, "hello", result.Response["response"])
}

func TestEndpointCallUnknownCommand(t *testing.T) {
	a, _ := pipePair(t, nil, HandlerRegistry{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := a.Call(ctx, "Nope", nil)
	require.NoError(t, err)
	require.NotNil(t, result.AppErr)
	assert.Equal(t, "unknown_command", result.AppErr.Kind)
}

func TestEndpointCallAppError(t *testing.T) {
	handlers := HandlerRegistry{
		"Fail": func(args map[string]any) (map[string]any, *CallError) {
			return nil, &CallError{Kind: "boom", Message: "no good"}
		},
	}
	a, _ := pipePair(t, nil, handlers)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := a.Call(ctx, "Fail", nil)
	require.NoError(t, err)
	require.NotNil(t, result.AppErr)
	assert.Equal(t, "boom", result.AppErr.Kind)
	assert.Equal(t, "no good", result.AppErr.Message)
}

func TestEndpointCloseFailsOutstandingCalls(t *testing.T) {
	park := make(chan struct{})
	handlers := HandlerRegistry{
		"Park": func(args map[string]any) (map[string]any, *CallError) {
			<-park
			return map[string]any{}, nil
		},
	}
	a, _ := pipePair(t, nil, handlers)
	t.Cleanup(func() { close(park) })

	resultCh := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), "Park", nil)
		resultCh <- err
	}()

	// Give the request frame time to be in flight before closing.
	time.Sleep(20 * time.Millisecond)
	a.Close(io.ErrClosedPipe)

	select {
	case err := <-resultCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}

func TestEndpointRelayedChildCallsParent(t *testing.T) {
	parentHandlers := HandlerRegistry{
		"ParentEcho": func(args map[string]any) (map[string]any, *CallError) {
			return map[string]any{"from_parent": args["data"]}, nil
		},
	}
	childHandlers := HandlerRegistry{}

	parent, child := pipePair(t, parentHandlers, childHandlers)

	child.Register("Relay", func(args map[string]any) (map[string]any, *CallError) {
		result, err := child.Call(context.Background(), "ParentEcho", args)
		if err != nil {
			return nil, &CallError{Kind: "relay_failed", Message: err.Error()}
		}
		return result.Response, result.AppErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := parent.Call(ctx, "Relay", map[string]any{"data": "round trip"})
	require.NoError(t, err)
	require.Nil(t, result.AppErr)
	assert.Equal(t, "round trip", result.Response["from_parent"])
}
