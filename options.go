package amppool

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-amp/amppool/metrics"
	"github.com/go-amp/amppool/proc"
	"github.com/go-amp/amppool/rpc"
)

// Option configures a Pool. Use New(childClass, opts...) to construct
// one.
type Option func(*Config)

// WithMin sets the pool's minimum live-child count (default 5).
func WithMin(n int) Option { return func(c *Config) { c.Min = n } }

// WithMax sets the pool's maximum live-child count (default 20).
func WithMax(n int) Option { return func(c *Config) { c.Max = n } }

// WithMaxIdle sets how long a ready child may idle before the pruner
// stops it (default 20s).
func WithMaxIdle(d time.Duration) Option { return func(c *Config) { c.MaxIdle = d } }

// WithRecycleAfter sets the call count after which a child is
// gracefully replaced. Zero disables recycling (default 500).
func WithRecycleAfter(n int) Option { return func(c *Config) { c.RecycleAfter = n } }

// WithArgs sets the positional arguments forwarded to every spawned
// child.
func WithArgs(args ...string) Option {
	return func(c *Config) { c.Args = append([]string(nil), args...) }
}

// WithParentHandlers installs a handler registry on every child's
// endpoint, so the child may call back into the parent.
func WithParentHandlers(h rpc.HandlerRegistry) Option {
	return func(c *Config) { c.ParentHandlers = h }
}

// WithRegistry overrides the child-class registry the pool resolves
// ChildClass against (default proc.DefaultRegistry()).
func WithRegistry(r *proc.Registry) Option { return func(c *Config) { c.Registry = r } }

// WithLogger attaches a structured logger for transition events.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithMetrics attaches a metrics.Provider for transition instruments.
func WithMetrics(p metrics.Provider) Option { return func(c *Config) { c.Metrics = p } }

// buildConfig assembles a Config from defaults, childClass, and opts,
// panicking on a nil option (a programmer error, mirroring the
// teacher's "nil workers option" panic) and returning ErrInvalidConfig
// wrapped with context if the result violates validateConfig.
func buildConfig(childClass string, opts ...Option) (Config, error) {
	cfg := defaultConfig()
	cfg.ChildClass = childClass
	for _, opt := range opts {
		if opt == nil {
			panic("nil amppool option")
		}
		opt(&cfg)
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, fmt.Errorf("amppool: invalid config: %w", err)
	}
	return cfg, nil
}
