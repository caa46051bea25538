package proc

import "sync"

// ChildSpec names a spawnable child image: the executable to run, the
// base arguments that precede any arguments a Pool forwards, and any
// extra environment variables to set on top of the parent's own
// environment (which the child always inherits).
type ChildSpec struct {
	Command  string
	BaseArgs []string
	Env      []string
}

// Registry resolves a child-class name to a ChildSpec: the embedding
// application populates it at startup with every child class it
// knows how to launch, so Spawn can fail fast on an unresolvable name
// before ever forking a process.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ChildSpec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]ChildSpec)}
}

// Register binds class to spec. Re-registration overwrites silently
// (unlike rpc.Endpoint.Register, this is configuration, not a
// request-dispatch table, so last-write-wins is the more useful
// default for an application wiring up its own child classes).
func (r *Registry) Register(class string, spec ChildSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[class] = spec
}

// Resolve looks class up. This is the pre-flight "unresolved_child"
// check: performed before any process is spawned.
func (r *Registry) Resolve(class string) (ChildSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[class]
	return spec, ok
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used when a Pool
// is not configured with one of its own.
func DefaultRegistry() *Registry { return defaultRegistry }
