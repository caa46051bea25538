package proc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-amp/amppool/internal/amptest"
	"github.com/go-amp/amppool/rpc"
)

func TestMain(m *testing.M) {
	amptest.MaybeRunHelper()
	os.Exit(m.Run())
}

func echoSpec() ChildSpec {
	return ChildSpec{
		Command:  os.Args[0],
		BaseArgs: []string{"-test.run=TestHelperProcess", "--"},
		Env:      []string{amptest.HelperEnvVar + "=1"},
	}
}

// TestHelperProcess is never actually reached: TestMain's
// amptest.MaybeRunHelper call intercepts the re-exec before m.Run ever
// dispatches to a *testing.T.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(amptest.HelperEnvVar) == "" {
		t.Skip("helper process entry point; not a real test")
	}
}

func TestSpawnUnresolvedChild(t *testing.T) {
	sup := NewSupervisor(NewRegistry())
	_, _, err := sup.Spawn(context.Background(), "nope", nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnresolvedChild)
}

func TestSpawnEchoRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoSpec())
	sup := NewSupervisor(reg)

	ctx := context.Background()
	child, finished, err := sup.Spawn(ctx, "echo", nil, nil, nil, nil)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := child.Endpoint.Call(callCtx, "Echo", map[string]any{"data": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Response["response"])

	_, err = child.Endpoint.Call(callCtx, "Shutdown", nil)
	require.NoError(t, err)

	reason, err := finished.Wait(callCtx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, reason.Kind)
}

func TestSpawnChildCrashClassification(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoSpec())
	sup := NewSupervisor(reg)

	ctx := context.Background()
	child, finished, err := sup.Spawn(ctx, "echo", nil, nil, nil, nil)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, callErr := child.Endpoint.Call(callCtx, "Die", nil)
	assert.Error(t, callErr)

	reason, err := finished.Wait(callCtx)
	require.NoError(t, err)
	assert.Equal(t, ExitNonzero, reason.Kind)
	assert.Equal(t, 1, reason.Code)
}

func TestSpawnParentHandlersReachableFromChild(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoSpec())
	sup := NewSupervisor(reg)

	parentHandlers := rpc.HandlerRegistry{
		"ParentEcho": func(args map[string]any) (map[string]any, *rpc.CallError) {
			return map[string]any{"from_parent": args["data"]}, nil
		},
	}

	ctx := context.Background()
	child, finished, err := sup.Spawn(ctx, "echo", nil, parentHandlers, nil, nil)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := child.Endpoint.Call(callCtx, "Relay", map[string]any{"data": "bounced"})
	require.NoError(t, err)
	require.Nil(t, result.AppErr)
	assert.Equal(t, "bounced", result.Response["from_parent"])

	_ = child.Kill()
	_, _ = finished.Wait(callCtx)
}
