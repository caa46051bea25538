package amppool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/go-amp/amppool/internal/future"
	"github.com/go-amp/amppool/metrics"
	"github.com/go-amp/amppool/proc"
	"github.com/go-amp/amppool/rpc"
)

// Pool is a scheduler over a set of long-lived child processes: it
// admits DoWork calls onto ready children, grows up to Max on demand,
// shrinks idle children back toward Min, recycles children after
// RecycleAfter calls, and replaces children that crash.
//
// All mutations of processes/ready/busy/queue and of a handle's state,
// policy, and current fields happen under mu: this is the pool's one
// logical lock. Endpoint I/O itself (the blocking part of a call) runs
// outside the lock, in its own goroutine per in-flight call.
type Pool struct {
	cfg Config
	sup *proc.Supervisor
	met poolMetrics

	mu        sync.Mutex
	started   bool
	finishing bool
	finished  bool

	processes map[string]*handle
	ready     []*handle // LIFO: pop from the tail
	busy      map[string]*handle
	queue     []*workItem // FIFO: pop from the head

	nextID     atomic.Uint64
	prunerStop chan struct{}
	drainWait  chan struct{}
	shutdown   shutdownOnce

	cmdMu      sync.Mutex
	cmdSchemas map[string]Command
}

// New constructs a Pool for childClass. The pool is not started; call
// Start to spawn its minimum children.
func New(childClass string, opts ...Option) (*Pool, error) {
	cfg, err := buildConfig(childClass, opts...)
	if err != nil {
		return nil, err
	}
	reg := cfg.Registry
	if reg == nil {
		reg = proc.DefaultRegistry()
	}
	return &Pool{
		cfg:       cfg,
		sup:       proc.NewSupervisor(reg),
		met:       newPoolMetrics(cfg.Metrics),
		processes: make(map[string]*handle),
		busy:      make(map[string]*handle),
		cmdSchemas: map[string]Command{
			Echo.Name:     Echo,
			Shutdown.Name: Shutdown,
		},
	}, nil
}

// rememberCommand records cmd's schema (if it declares one) so later
// frames exchanged under its name can be checked against it. Called
// once per DoWork submission; overwriting an existing entry for the
// same name is harmless since callers are expected to use one schema
// per command name.
func (p *Pool) rememberCommand(cmd Command) {
	if len(cmd.Args) == 0 && len(cmd.Reply) == 0 {
		return
	}
	p.cmdMu.Lock()
	p.cmdSchemas[cmd.Name] = cmd
	p.cmdMu.Unlock()
}

// commandSchemaLookup adapts the pool's known Command schemas into an
// rpc.SchemaLookup, installed on every spawned child's endpoint so
// ReadFrame can flag unknown_field warnings.
func (p *Pool) commandSchemaLookup(command string, kind rpc.FrameKind) (map[string]struct{}, bool) {
	p.cmdMu.Lock()
	cmd, ok := p.cmdSchemas[command]
	p.cmdMu.Unlock()
	if !ok {
		return nil, false
	}

	var schema Schema
	switch kind {
	case rpc.FrameRequest:
		schema = cmd.Args
	case rpc.FrameResponse, rpc.FrameError:
		schema = cmd.Reply
	default:
		return nil, false
	}
	if len(schema) == 0 {
		return nil, false
	}

	fields := make(map[string]struct{}, len(schema))
	for _, f := range schema {
		fields[f.Name] = struct{}{}
	}
	return fields, true
}

// onFrameWarning logs a non-fatal unknown_field warning raised against
// a child's frames.
func (p *Pool) onFrameWarning(f rpc.Frame) {
	p.cfg.Logger.Warn().Str("command", f.Command).Strs("warnings", f.Warnings).Msg("frame carried unexpected fields")
}

func (p *Pool) allocID() string {
	return p.cfg.ChildClass + "-" + itoa(p.nextID.Add(1))
}

// itoa avoids importing strconv solely for this one call site's
// worth of formatting; kept tiny and local to the package.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Start spawns Min children concurrently and installs the idle pruner.
// It is idempotent only in the sense of failing with ErrAlreadyStarted
// on a second call; it does not support being retried after failure.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return newPoolError("already_started", ErrAlreadyStarted, nil)
	}
	p.started = true
	min := p.cfg.Min
	p.mu.Unlock()

	var wg conc.WaitGroup
	errs := make([]error, min)
	for i := 0; i < min; i++ {
		i := i
		wg.Go(func() { errs[i] = p.spawnBlocking(ctx) })
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	p.startIdlePruner()
	p.cfg.Logger.Info().Int("min", min).Str("child_class", p.cfg.ChildClass).Msg("pool started")
	return nil
}

// spawnBlocking spawns one child and places it directly in ready. Used
// only by Start and StartAWorker, where there is no queued work item
// to pre-admit the new slot to.
func (p *Pool) spawnBlocking(ctx context.Context) error {
	child, finished, err := p.sup.Spawn(ctx, p.cfg.ChildClass, p.cfg.Args, p.cfg.ParentHandlers, p.commandSchemaLookup, p.onFrameWarning)
	if err != nil {
		return err
	}
	id := p.allocID()
	h := newHandle(id, child, finished)
	h.setState(stateReady)

	p.mu.Lock()
	p.processes[id] = h
	p.ready = append(p.ready, h)
	p.mu.Unlock()
	p.met.processes.Add(1)
	p.met.ready.Add(1)

	go p.watchFinish(h)
	return nil
}

// StartAWorker spawns one additional child, joining ready once it is
// up. Precondition |processes| < Max is the caller's responsibility:
// this is treated as an assertion, not a runtime-enforced admission
// error.
func (p *Pool) StartAWorker(ctx context.Context) error {
	return p.spawnBlocking(ctx)
}

// StopAWorker removes one ready child from service, sends it the
// shutdown control command, and waits for its process to exit. id
// selects a specific ready child; an empty id selects any (the most
// recently idled one).
func (p *Pool) StopAWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	h, err := p.pickReadyLocked(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	h.policy = policyStopped
	h.setState(stateDraining)
	p.mu.Unlock()
	p.met.ready.Add(-1)

	go func() {
		_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
		_ = h.child.Kill()
	}()

	_, err = h.finished.Wait(ctx)
	return err
}

func (p *Pool) pickReadyLocked(id string) (*handle, error) {
	if id == "" {
		n := len(p.ready)
		if n == 0 {
			return nil, newPoolError("no_idle_worker", ErrNoIdleWorker, nil)
		}
		h := p.ready[n-1]
		p.ready = p.ready[:n-1]
		return h, nil
	}
	for i, h := range p.ready {
		if h.id == id {
			p.ready = append(p.ready[:i:i], p.ready[i+1:]...)
			return h, nil
		}
	}
	return nil, newPoolError("no_idle_worker", ErrNoIdleWorker, nil)
}

// AdjustPoolSize changes Min/Max. Excess children above the new Max
// are stopped (from ready first, then drained out of busy once their
// in-flight call completes); a deficit below the new Min is made up by
// spawning.
func (p *Pool) AdjustPoolSize(ctx context.Context, min, max int) error {
	if min < 0 || max < min {
		return newPoolError("invalid_config", ErrInvalidConfig, nil)
	}

	p.mu.Lock()
	p.cfg.Min = min
	p.cfg.Max = max
	excess := len(p.processes) - max

	var toStopReady []*handle
	for excess > 0 && len(p.ready) > 0 {
		n := len(p.ready)
		toStopReady = append(toStopReady, p.ready[n-1])
		p.ready = p.ready[:n-1]
		excess--
	}
	var toDrainBusy []*handle
	if excess > 0 {
		for _, h := range p.busy {
			if excess == 0 {
				break
			}
			toDrainBusy = append(toDrainBusy, h)
			excess--
		}
	}
	for _, h := range toStopReady {
		h.policy = policyResizeDrain
		h.setState(stateDraining)
	}
	for _, h := range toDrainBusy {
		h.policy = policyResizeDrain
	}
	deficit := min - len(p.processes)
	p.mu.Unlock()

	p.met.ready.Add(-int64(len(toStopReady)))

	for _, h := range toStopReady {
		h := h
		go func() {
			_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
			_ = h.child.Kill()
		}()
	}

	for i := 0; i < deficit; i++ {
		go p.spawnReplacement(ctx)
	}

	p.cfg.Logger.Info().Int("min", min).Int("max", max).Msg("pool resized")
	return nil
}

// DoWork submits one command for execution on a child and blocks until
// it resolves: a successful response, an application error carried in
// the response frame, or a pool-level failure (pool_stopped,
// worker_crashed, cancelled).
func (p *Pool) DoWork(ctx context.Context, cmd Command, args map[string]any) (map[string]any, error) {
	p.rememberCommand(cmd)
	item := &workItem{cmd: cmd, args: args, fut: future.New[map[string]any]()}
	p.admit(ctx, item)
	return item.fut.Wait(ctx)
}

func (p *Pool) admit(ctx context.Context, item *workItem) {
	p.mu.Lock()
	if !p.started || p.finishing || p.finished {
		p.mu.Unlock()
		item.fut.Fail(newPoolError("pool_stopped", ErrPoolStopped, nil))
		return
	}

	if n := len(p.ready); n > 0 {
		h := p.ready[n-1]
		p.ready = p.ready[:n-1]
		h.current = item
		h.setState(stateBusy)
		p.busy[h.id] = h
		p.mu.Unlock()
		p.met.ready.Add(-1)
		p.met.busy.Add(1)
		p.dispatch(ctx, h, item)
		return
	}

	if len(p.processes) < p.cfg.Max {
		id := p.allocID()
		h := newHandle(id, nil, nil)
		p.processes[id] = h
		p.queue = append(p.queue, item)
		p.mu.Unlock()
		p.met.processes.Add(1)
		p.met.queueDepth.Add(1)
		go p.growReserved(ctx, h)
		go p.watchQueuedCancel(ctx, item)
		return
	}

	p.queue = append(p.queue, item)
	p.mu.Unlock()
	p.met.queueDepth.Add(1)
	go p.watchQueuedCancel(ctx, item)
}

// watchQueuedCancel observes ctx for a work item sitting in queue: if
// ctx is done before the item is ever admitted to a child, it is
// pulled out of queue and its future fails with ErrCancelled instead
// of being silently dispatched later on behalf of a caller who has
// already given up. If the item is admitted (or otherwise resolved)
// first, this returns without touching queue.
func (p *Pool) watchQueuedCancel(ctx context.Context, item *workItem) {
	select {
	case <-item.fut.Signal():
		return
	case <-ctx.Done():
	}

	p.mu.Lock()
	removed := p.removeFromQueueLocked(item)
	p.mu.Unlock()
	if removed {
		p.met.queueDepth.Add(-1)
		item.fut.Fail(newPoolError("cancelled", ErrCancelled, nil))
	}
}

// removeFromQueueLocked removes item from p.queue if still present.
// Called with p.mu held.
func (p *Pool) removeFromQueueLocked(item *workItem) bool {
	for i, it := range p.queue {
		if it == item {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// growReserved spawns the process for a handle already admitted into
// processes (by admit or spawnReplacement), pre-counted toward Max so
// concurrent admissions cannot overshoot it. Once spawned, it is
// pre-assigned to the oldest queued item if one is waiting (growth
// pre-admits its slot to the work item that triggered it), otherwise
// it joins ready.
func (p *Pool) growReserved(ctx context.Context, h *handle) {
	child, finished, err := p.sup.Spawn(ctx, p.cfg.ChildClass, p.cfg.Args, p.cfg.ParentHandlers, p.commandSchemaLookup, p.onFrameWarning)
	if err != nil {
		p.mu.Lock()
		delete(p.processes, h.id)
		var item *workItem
		if len(p.queue) > 0 {
			item = p.queue[0]
			p.queue = p.queue[1:]
		}
		p.mu.Unlock()
		p.met.processes.Add(-1)
		if item != nil {
			p.met.queueDepth.Add(-1)
			item.fut.Fail(newPoolError("spawn_failed", ErrSpawnFailed, err))
		}
		p.cfg.Logger.Error().Err(err).Str("child_class", p.cfg.ChildClass).Msg("failed to spawn child")
		return
	}

	h.child = child
	h.finished = finished
	go p.watchFinish(h)

	p.mu.Lock()
	var item *workItem
	if len(p.queue) > 0 {
		item = p.queue[0]
		p.queue = p.queue[1:]
	}
	if item != nil {
		h.current = item
		h.setState(stateBusy)
		p.busy[h.id] = h
	} else {
		h.touch()
		h.setState(stateReady)
		p.ready = append(p.ready, h)
	}
	p.mu.Unlock()

	if item != nil {
		p.met.queueDepth.Add(-1)
		p.met.busy.Add(1)
		p.dispatch(ctx, h, item)
	} else {
		p.met.ready.Add(1)
	}
}

// spawnReplacement reserves a processes slot and spawns into it,
// exactly like the admission-triggered growth path but invoked from
// recycling, crash handling, and AdjustPoolSize's deficit makeup.
func (p *Pool) spawnReplacement(ctx context.Context) {
	id := p.allocID()
	h := newHandle(id, nil, nil)
	p.mu.Lock()
	p.processes[id] = h
	p.mu.Unlock()
	p.met.processes.Add(1)
	p.growReserved(ctx, h)
}

func (p *Pool) dispatch(ctx context.Context, h *handle, item *workItem) {
	start := time.Now()
	go func() {
		result, callErr := h.child.Endpoint.Call(ctx, item.cmd.Name, item.args)
		p.met.callDuration.Record(time.Since(start).Seconds())
		p.postCallHook(ctx, h, item, result, callErr)
	}()
}

// postCallHook runs after a child's call future settles, success or
// failure, and resolves the caller's future only once the child has
// been returned to ready, recycled, or drained. A transport failure (callErr != nil) means the child's
// connection is gone; everything from removal to possibly failing
// this same call is owned by watchFinish once the process's finished
// signal fires, so postCallHook does nothing further in that case.
func (p *Pool) postCallHook(ctx context.Context, h *handle, item *workItem, result rpc.CallResult, callErr error) {
	if callErr != nil {
		return
	}

	h.incCalls()
	h.touch()

	p.mu.Lock()
	h.current = nil
	drain := p.finishing || h.policy == policyResizeDrain
	recycleDue := !drain && p.cfg.RecycleAfter > 0 && h.callCount.Load() >= int64(p.cfg.RecycleAfter)
	p.mu.Unlock()

	switch {
	case drain:
		p.drainHandle(h)
	case recycleDue:
		p.recycle(h)
	default:
		p.returnToReady(ctx, h)
	}

	if result.AppErr != nil {
		item.fut.Fail(result.AppErr)
	} else {
		item.fut.Settle(result.Response)
	}
}

func (p *Pool) returnToReady(ctx context.Context, h *handle) {
	p.mu.Lock()
	delete(p.busy, h.id)
	if p.finishing || p.finished {
		p.mu.Unlock()
		p.met.busy.Add(-1)
		return
	}

	var item *workItem
	if len(p.queue) > 0 {
		item = p.queue[0]
		p.queue = p.queue[1:]
	}
	if item != nil {
		h.current = item
		p.busy[h.id] = h
	} else {
		h.touch()
		h.setState(stateReady)
		p.ready = append(p.ready, h)
	}
	p.mu.Unlock()

	if item != nil {
		p.met.queueDepth.Add(-1)
		p.dispatch(ctx, h, item)
	} else {
		p.met.busy.Add(-1)
		p.met.ready.Add(1)
	}
}

// recycle retires h after it has served RecycleAfter calls: a
// graceful shutdown, not a crash. watchFinish decides on replacement
// once the process actually exits.
func (p *Pool) recycle(h *handle) {
	p.mu.Lock()
	delete(p.busy, h.id)
	h.policy = policyRecycle
	h.setState(stateDraining)
	p.mu.Unlock()
	p.met.busy.Add(-1)

	go func() {
		_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
		_ = h.child.Kill()
	}()
}

// drainHandle is the busy-side counterpart of recycle, used when a
// child's in-flight call finishes while the pool is either stopping or
// the child has been marked for resize-induced removal: it is shut
// down rather than returned to ready, and not replaced.
func (p *Pool) drainHandle(h *handle) {
	p.mu.Lock()
	delete(p.busy, h.id)
	if h.policy != policyPoolStop {
		h.policy = policyResizeDrain
	}
	p.mu.Unlock()
	p.met.busy.Add(-1)

	go func() {
		_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
		_ = h.child.Kill()
	}()
}

// watchFinish is the single authority for reacting to one handle's
// exit, whatever caused it: it removes the handle from every pool set
// exactly once, and then — only for an unflagged (crash) or a recycle
// exit — decides whether to fail an outstanding call and whether to
// spawn a replacement. One goroutine per handle, started at spawn
// time, runs this exactly once.
func (p *Pool) watchFinish(h *handle) {
	reason, _ := h.finished.Wait(context.Background())

	p.mu.Lock()
	h.setState(stateDead)
	if _, present := p.processes[h.id]; !present {
		p.mu.Unlock()
		return
	}
	policy := h.policy
	delete(p.processes, h.id)
	p.removeFromReadyLocked(h)
	delete(p.busy, h.id)
	item := h.current
	h.current = nil

	var grow bool
	switch policy {
	case policyCrash:
		grow = !p.finished && (len(p.processes) < p.cfg.Min ||
			(len(p.queue) > 0 && len(p.processes) < p.cfg.Max))
	case policyRecycle:
		grow = !p.finished && (len(p.processes) < p.cfg.Min || len(p.queue) > 0)
	}

	remaining := len(p.processes)
	finishing := p.finishing
	drainWait := p.drainWait
	p.mu.Unlock()

	p.met.processes.Add(-1)

	if policy == policyCrash && item != nil {
		item.fut.Fail(newCrashError(reason))
	}
	switch policy {
	case policyCrash:
		p.met.crashes.Add(1)
		p.cfg.Logger.Warn().Str("child", h.id).Msg("child crashed")
	case policyRecycle:
		p.met.recycles.Add(1)
	}

	if finishing && remaining == 0 && drainWait != nil {
		close(drainWait)
	}

	if grow {
		p.spawnReplacement(context.Background())
	}
}

// removeFromReadyLocked removes h from p.ready if present. Called with
// p.mu held.
func (p *Pool) removeFromReadyLocked(h *handle) {
	for i, cand := range p.ready {
		if cand == h {
			p.ready = append(p.ready[:i:i], p.ready[i+1:]...)
			return
		}
	}
}

// Stop drains the pool: no further admission, every queued item fails
// with ErrPoolStopped, ready children are shut down immediately, and
// busy children are shut down as soon as their in-flight call
// completes. Returns once every child has exited. Idempotent.
// Stop runs the drain sequence at most once, regardless of how many
// goroutines call it concurrently; it returns early if ctx is done
// without poisoning that single drain for whichever caller's context
// outlives it.
func (p *Pool) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.shutdown.run(p.drain) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) drain() error {
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.finished = true
		p.mu.Unlock()
		return nil
	}
	p.finishing = true

	drainWait := make(chan struct{})
	p.drainWait = drainWait
	if len(p.processes) == 0 {
		close(drainWait)
	}

	readySnapshot := append([]*handle(nil), p.ready...)
	p.ready = nil
	for _, h := range p.busy {
		h.policy = policyPoolStop
	}
	queueSnapshot := p.queue
	p.queue = nil
	p.mu.Unlock()

	p.met.ready.Add(-int64(len(readySnapshot)))
	p.met.queueDepth.Add(-int64(len(queueSnapshot)))
	p.stopIdlePruner()

	for _, item := range queueSnapshot {
		item.fut.Fail(newPoolError("pool_stopped", ErrPoolStopped, nil))
	}

	for _, h := range readySnapshot {
		h := h
		p.mu.Lock()
		h.policy = policyPoolStop
		h.setState(stateDraining)
		p.mu.Unlock()
		go func() {
			_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
			_ = h.child.Kill()
		}()
	}

	<-drainWait

	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	p.cfg.Logger.Info().Msg("pool stopped")
	return nil
}

func (p *Pool) startIdlePruner() {
	if p.cfg.MaxIdle <= 0 {
		return
	}
	stop := make(chan struct{})
	p.mu.Lock()
	p.prunerStop = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.cfg.MaxIdle)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.pruneIdle()
			}
		}
	}()
}

func (p *Pool) stopIdlePruner() {
	p.mu.Lock()
	stop := p.prunerStop
	p.prunerStop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// pruneIdle shrinks ready toward Min, stopping any ready child whose
// idle time has reached MaxIdle. It schedules no successor itself;
// startIdlePruner's ticker is its own successor.
func (p *Pool) pruneIdle() {
	now := time.Now()

	p.mu.Lock()
	var victims []*handle
	kept := p.ready[:0:0]
	for _, h := range p.ready {
		if len(p.processes)-len(victims) > p.cfg.Min && h.idleFor(now) >= p.cfg.MaxIdle {
			victims = append(victims, h)
		} else {
			kept = append(kept, h)
		}
	}
	p.ready = kept
	for _, h := range victims {
		h.policy = policyStopped
		h.setState(stateDraining)
	}
	p.mu.Unlock()

	if len(victims) > 0 {
		p.met.ready.Add(-int64(len(victims)))
	}

	for _, h := range victims {
		h := h
		go func() {
			_, _ = h.child.Endpoint.Call(context.Background(), Shutdown.Name, nil)
			_ = h.child.Kill()
		}()
	}
}

// poolMetrics caches the instruments a Pool records against, created
// once from its configured metrics.Provider rather than looked up by
// name on every transition.
type poolMetrics struct {
	processes    metrics.UpDownCounter
	ready        metrics.UpDownCounter
	busy         metrics.UpDownCounter
	queueDepth   metrics.UpDownCounter
	recycles     metrics.Counter
	crashes      metrics.Counter
	callDuration metrics.Histogram
}

func newPoolMetrics(provider metrics.Provider) poolMetrics {
	return poolMetrics{
		processes: provider.UpDownCounter("amppool.processes",
			metrics.WithDescription("live child processes"), metrics.WithUnit("1")),
		ready: provider.UpDownCounter("amppool.ready",
			metrics.WithDescription("idle children eligible for work"), metrics.WithUnit("1")),
		busy: provider.UpDownCounter("amppool.busy",
			metrics.WithDescription("children currently servicing a call"), metrics.WithUnit("1")),
		queueDepth: provider.UpDownCounter("amppool.queue_depth",
			metrics.WithDescription("work items waiting for a child"), metrics.WithUnit("1")),
		recycles: provider.Counter("amppool.recycles",
			metrics.WithDescription("children retired after recycle_after calls"), metrics.WithUnit("1")),
		crashes: provider.Counter("amppool.crashes",
			metrics.WithDescription("children that exited unexpectedly"), metrics.WithUnit("1")),
		callDuration: provider.Histogram("amppool.call_duration_seconds",
			metrics.WithDescription("wall time from call dispatch to response or failure"),
			metrics.WithUnit("seconds"), metrics.WithBuckets(metrics.DefaultLatencyBuckets)),
	}
}
