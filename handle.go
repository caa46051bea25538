package amppool

import (
	"sync/atomic"
	"time"

	"github.com/go-amp/amppool/internal/future"
	"github.com/go-amp/amppool/proc"
)

// childState is a handle's position in the scheduler's state machine:
// starting -> ready -> busy -> ready -> ... -> draining -> dead, with
// a direct ready/busy -> dead transition on crash.
type childState int32

const (
	stateStarting childState = iota
	stateReady
	stateBusy
	stateDraining
	stateDead
)

// handle is the pool's bookkeeping for one live child process: its
// identity, its endpoint (reached through child), and the counters
// StartAWorker/DoWork/the idle pruner consult under the pool's lock.
//
// callCount and lastActive are atomics rather than plain fields so the
// idle pruner can read them without taking the pool's lock; state
// transitions themselves are always made under the pool's lock, since
// they must be observed together with processes/ready/busy membership.
type handle struct {
	id       string
	child    *proc.Child
	finished *future.Future[proc.ExitReason]

	callCount  atomic.Int64
	lastActive atomic.Int64 // UnixNano
	state      atomic.Int32

	// current and policy are mutated only while the pool's mutex is
	// held; they are not safe to read without it.
	current *workItem
	policy  exitPolicy
}

// exitPolicy records why a handle's process is expected to exit, set
// by whichever pool operation initiated the exit before it happens.
// watchFinish reads it exactly once, under the pool's lock, to decide
// whether the exit was a crash (fail the outstanding call, maybe
// replace) or an intended teardown (neither).
type exitPolicy int32

const (
	// policyCrash is the default: if a handle dies without one of the
	// operations below having claimed it first, it is a crash.
	policyCrash exitPolicy = iota
	policyRecycle
	policyStopped
	policyResizeDrain
	policyPoolStop
)

func newHandle(id string, child *proc.Child, finished *future.Future[proc.ExitReason]) *handle {
	h := &handle{id: id, child: child, finished: finished}
	h.state.Store(int32(stateStarting))
	h.touch()
	return h
}

func (h *handle) touch() { h.lastActive.Store(time.Now().UnixNano()) }

func (h *handle) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastActive.Load()))
}

func (h *handle) setState(s childState) { h.state.Store(int32(s)) }
func (h *handle) getState() childState  { return childState(h.state.Load()) }

func (h *handle) incCalls() int64 { return h.callCount.Add(1) }
