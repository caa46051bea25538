package amppool

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-amp/amppool/internal/amptest"
	"github.com/go-amp/amppool/proc"
)

func TestMain(m *testing.M) {
	amptest.MaybeRunHelper()
	os.Exit(m.Run())
}

// echoRegistry resolves "echo" to a re-exec of the test binary itself,
// running as an amptest child image.
func echoRegistry() *proc.Registry {
	reg := proc.NewRegistry()
	reg.Register("echo", proc.ChildSpec{
		Command:  os.Args[0],
		BaseArgs: []string{"-test.run=TestHelperProcess", "--"},
		Env:      []string{amptest.HelperEnvVar + "=1"},
	})
	return reg
}

// TestHelperProcess is never actually reached as a test: TestMain's
// amptest.MaybeRunHelper call intercepts and exits the process first
// whenever the helper env var is set. It exists so the -test.run flag
// above names something real.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(amptest.HelperEnvVar) == "" {
		t.Skip("helper process entry point; not a real test")
	}
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	allOpts := append([]Option{WithRegistry(echoRegistry())}, opts...)
	p, err := New("echo", allOpts...)
	require.NoError(t, err)
	return p
}

func startedPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p := newTestPool(t, opts...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestStartAndStopAWorker(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(3))

	require.NoError(t, p.StartAWorker(context.Background()))

	p.mu.Lock()
	readyCount := len(p.ready)
	procCount := len(p.processes)
	p.mu.Unlock()
	assert.Equal(t, 2, readyCount)
	assert.Equal(t, 2, procCount)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.StopAWorker(ctx, ""))

	p.mu.Lock()
	readyCount = len(p.ready)
	procCount = len(p.processes)
	p.mu.Unlock()
	assert.Equal(t, 1, readyCount)
	assert.Equal(t, 1, procCount)
}

func TestDoWorkEcho(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.DoWork(ctx, Echo, map[string]any{"data": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", resp["response"])
}

func TestDeferToAMPProcessThroughDefaultPool(t *testing.T) {
	proc.DefaultRegistry().Register(DefaultChildClass, proc.ChildSpec{
		Command:  os.Args[0],
		BaseArgs: []string{"-test.run=TestHelperProcess", "--"},
		Env:      []string{amptest.HelperEnvVar + "=1"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := DeferToAMPProcess(ctx, Echo, map[string]any{"data": "via default"})
	require.NoError(t, err)
	assert.Equal(t, "via default", resp["response"])
}

func TestAdjustPoolSizeRejectsInvalidBounds(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(2))

	err := p.AdjustPoolSize(context.Background(), -1, 2)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = p.AdjustPoolSize(context.Background(), 3, 2)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAdjustPoolSizeGrowsAndShrinks(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(2))

	require.NoError(t, p.AdjustPoolSize(context.Background(), 3, 3))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.processes) == 3 && len(p.ready) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.AdjustPoolSize(context.Background(), 1, 1))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.processes) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChildCrashTriggersReplacement(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.DoWork(ctx, Command{Name: "Die"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerCrashed)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.processes) == 1 && len(p.ready) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGrowthUpToMaxThenQueues(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(2))

	sleepCmd := Command{Name: "Sleep"}
	resultA := make(chan error, 1)
	resultB := make(chan error, 1)
	resultC := make(chan error, 1)

	go func() {
		_, err := p.DoWork(context.Background(), sleepCmd, map[string]any{"ms": int64(200)})
		resultA <- err
	}()
	// Give the dispatch time to land on the sole ready child before the
	// second call arrives, so it is the one forced to trigger growth.
	time.Sleep(30 * time.Millisecond)

	go func() {
		_, err := p.DoWork(context.Background(), sleepCmd, map[string]any{"ms": int64(200)})
		resultB <- err
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.processes) == 2 && len(p.busy) == 2
	}, 2*time.Second, 10*time.Millisecond)

	go func() {
		_, err := p.DoWork(context.Background(), Echo, map[string]any{"data": "queued"})
		resultC <- err
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.queue) == 1
	}, time.Second, 10*time.Millisecond)

	p.mu.Lock()
	procs := len(p.processes)
	p.mu.Unlock()
	assert.Equal(t, 2, procs)

	require.NoError(t, <-resultA)
	require.NoError(t, <-resultB)
	require.NoError(t, <-resultC)
}

func TestIdlePrunerShrinksTowardMin(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(3), WithMaxIdle(30*time.Millisecond))

	require.NoError(t, p.StartAWorker(context.Background()))
	require.NoError(t, p.StartAWorker(context.Background()))

	p.mu.Lock()
	assert.Equal(t, 3, len(p.processes))
	p.mu.Unlock()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.processes) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecyclingReplacesChildAfterThreshold(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(1), WithRecycleAfter(2))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.DoWork(ctx, Echo, map[string]any{"data": "x"})
		cancel()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.ready) != 1 {
			return false
		}
		return p.ready[0].callCount.Load() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecyclingDisabledWhenZero(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(1), WithRecycleAfter(0))

	var firstID string
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.DoWork(ctx, Echo, map[string]any{"data": "x"})
		cancel()
		require.NoError(t, err)

		p.mu.Lock()
		id := p.ready[0].id
		p.mu.Unlock()
		if firstID == "" {
			firstID = id
		} else {
			assert.Equal(t, firstID, id)
		}
	}
}

// TestRecyclingUnderOverload drives 60 calls, five at a time, against a
// pool capped at 5 children recycling every 10 calls: each wave of 5
// concurrent calls saturates every child at once, so over 12 waves
// each of the 5 child slots serves 12 calls: its first child is
// recycled at its 10th call and a new child serves the remaining 2. 5
// original children plus 5 replacements is 10 distinct pids total.
func TestRecyclingUnderOverload(t *testing.T) {
	p := startedPool(t, WithMin(1), WithMax(5), WithRecycleAfter(10))

	const waves, perWave = 12, 5
	pidCmd := Command{Name: "Pid"}
	pids := make(map[int64]struct{})

	for w := 0; w < waves; w++ {
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		wg.Add(perWave)
		for i := 0; i < perWave; i++ {
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				resp, err := p.DoWork(ctx, pidCmd, nil)
				if !assert.NoError(t, err) {
					return
				}
				pid, _ := resp["pid"].(int64)
				mu.Lock()
				pids[pid] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	assert.Len(t, pids, 10)
}

func TestStopIsIdempotentAndConcurrentSafe(t *testing.T) {
	p := newTestPool(t, WithMin(1), WithMax(1))
	require.NoError(t, p.Start(context.Background()))

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			done <- p.Stop(ctx)
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}

	_, err := p.DoWork(context.Background(), Echo, nil)
	assert.ErrorIs(t, err, ErrPoolStopped)
}
