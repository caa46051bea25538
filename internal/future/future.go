// Package future provides a single-shot result slot shared by the
// rpc, proc, and root amppool packages: a call's completion, a
// child's exit, and a lifecycle operation's finish are all "fulfilled
// at most once, observed any number of times" values.
//
// Single execution is guaranteed the same way any one-shot teardown
// or completion is in Go: a sync.Once guard around closing a channel.
package future

import (
	"context"
	"sync"
)

// Future is a single-shot result slot of type T.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Settle fulfills the future with a success value. Only the first
// call across Settle/Fail has any effect; later calls are no-ops.
func (f *Future[T]) Settle(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

// Fail fulfills the future with a failure reason. Only the first call
// across Settle/Fail has any effect; later calls are no-ops.
func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future is fulfilled or ctx is done, whichever
// comes first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the future has already been fulfilled, without
// blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Signal returns a channel closed once the future is fulfilled, for a
// caller that needs to select on settlement alongside some other
// event (e.g. a queued item's context being cancelled before it is
// ever admitted). Closing a channel wakes every receiver, so this is
// safe to use concurrently with Wait.
func (f *Future[T]) Signal() <-chan struct{} { return f.done }
