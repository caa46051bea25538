package amppool

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/go-amp/amppool/metrics"
	"github.com/go-amp/amppool/proc"
	"github.com/go-amp/amppool/rpc"
)

// Config holds Pool configuration.
type Config struct {
	// ChildClass names the child handler the Pool's children should be
	// started as; it is resolved against Registry.
	ChildClass string

	// Min is the pool's minimum live-child count, maintained by
	// Start and by adaptive shrinkage.
	// Default: 5
	Min int

	// Max is the pool's maximum live-child count; admission blocks
	// new work in the queue once it is reached.
	// Default: 20
	Max int

	// MaxIdle is how long a ready child may sit idle before the
	// pruner stops it (while |processes| > Min).
	// Default: 20s
	MaxIdle time.Duration

	// RecycleAfter is the number of completed calls after which a
	// child is gracefully replaced. Zero disables recycling.
	// Default: 500
	RecycleAfter int

	// Args are positional arguments forwarded to every spawned child.
	Args []string

	// ParentHandlers, if non-nil, is installed on every child's
	// endpoint so the child may call back into the parent.
	ParentHandlers rpc.HandlerRegistry

	// Registry resolves ChildClass to a spawnable command. If nil,
	// proc.DefaultRegistry() is used.
	Registry *proc.Registry

	// Logger receives structured transition events. Default: disabled
	// (zerolog.Nop()), matching a library's silent-by-default posture.
	Logger zerolog.Logger

	// Metrics receives instrument updates for pool transitions.
	// Default: metrics.NewNoopProvider().
	Metrics metrics.Provider
}

// defaultConfig centralizes default values for Config. The options
// builder that New uses starts from it before applying any Option.
func defaultConfig() Config {
	return Config{
		Min:          5,
		Max:          20,
		MaxIdle:      20 * time.Second,
		RecycleAfter: 500,
		Logger:       zerolog.Nop(),
		Metrics:      metrics.NewNoopProvider(),
	}
}

// validateConfig checks the invariants a pool's construction
// arguments must hold: min>=0, max>=min, maxIdle>=0, recycleAfter>=0.
func validateConfig(cfg *Config) error {
	switch {
	case cfg.Min < 0:
		return ErrInvalidConfig
	case cfg.Max < cfg.Min:
		return ErrInvalidConfig
	case cfg.MaxIdle < 0:
		return ErrInvalidConfig
	case cfg.RecycleAfter < 0:
		return ErrInvalidConfig
	}
	return nil
}
