package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEngine is returned when no engine is registered under a name.
var ErrUnknownEngine = errors.New("unknown engine")

// ErrDuplicateEngine is returned when an engine name is registered twice.
var ErrDuplicateEngine = errors.New("engine already registered")

// Info describes a registered engine.
type Info struct {
	Name string `json:"name"`
}

// Registry maps engine names to engines. It is populated at startup and read
// for every execution launch.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]WorkloadEngine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]WorkloadEngine),
	}
}

// Register adds e under its own name. Names are unique per deployment.
func (r *Registry) Register(e WorkloadEngine) error {
	name := e.Name()
	if name == "" {
		return errors.New("engine name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEngine, name)
	}
	r.engines[name] = e
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(e WorkloadEngine) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Resolve returns the engine registered under name.
func (r *Registry) Resolve(name string) (WorkloadEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return e, nil
}

// List returns the registered engines sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.engines))
	for name := range r.engines {
		infos = append(infos, Info{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
