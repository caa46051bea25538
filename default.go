package amppool

import (
	"context"
	"sync"
)

var (
	defaultPoolOnce sync.Once
	defaultPool     *Pool
	defaultPoolErr  error
)

// DefaultChildClass is the child class the process-global default pool
// is constructed for. Override it before the first call to DefaultPool
// or DeferToAMPProcess if your process needs a different one; changing
// it afterward has no effect, since the singleton is already built.
var DefaultChildClass = "default"

// DefaultPool returns the process-wide default pool, constructing and
// starting it on first reference with default configuration against
// DefaultChildClass. Its lifecycle beyond that is the caller's
// responsibility: call Stop explicitly during shutdown. Tests that
// need isolation should construct their own Pool via New instead.
func DefaultPool(ctx context.Context) (*Pool, error) {
	defaultPoolOnce.Do(func() {
		p, err := New(DefaultChildClass)
		if err != nil {
			defaultPoolErr = err
			return
		}
		if err := p.Start(ctx); err != nil {
			defaultPoolErr = err
			return
		}
		defaultPool = p
	})
	return defaultPool, defaultPoolErr
}

// DeferToAMPProcess is the package-level convenience entry point: it
// forwards cmd/args to the default pool's DoWork.
func DeferToAMPProcess(ctx context.Context, cmd Command, args map[string]any) (map[string]any, error) {
	pool, err := DefaultPool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.DoWork(ctx, cmd, args)
}
