// Package amppool manages a pool of long-lived child worker processes
// reached over a framed RPC protocol on their stdin/stdout.
//
// Construction
//   - New(childClass string, opts ...Option): builds a Pool bound to a
//     child class resolved through a proc.Registry. Not yet started.
//
// Defaults
// Unless overridden via an Option, a Pool uses:
//   - Min: 5, Max: 20
//   - MaxIdle: 20s
//   - RecycleAfter: 500 (0 disables recycling)
//   - Logger: zerolog.Nop()
//   - Metrics: metrics.NewNoopProvider()
//
// Lifecycle
// Start spawns Min children and begins idle pruning; Stop drains the
// pool, failing queued work and retiring every child, and is safe to
// call more than once or concurrently. DoWork is the sole admission
// entry point once started.
//
// Default pool
// DefaultPool/DeferToAMPProcess expose a process-global convenience
// pool for callers that do not need an isolated instance; construct
// one with New directly in tests.
package amppool
