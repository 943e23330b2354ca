package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ProcessFunc is orchestration logic. Apart from calls through pc it must be a pure
// function of inputs: no clock reads, randomness or I/O.
type ProcessFunc func(pc *Context, inputs json.RawMessage) (any, error)

// Process is a registered orchestration definition.
type Process struct {
	ID         string
	Revision   string
	Entrypoint string
	Fn         ProcessFunc
}

// Registry maps process ids to definitions. It is built once and passed to the controller.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Process
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Process)}
}

// Register adds p. The entrypoint defaults to "main".
func (r *Registry) Register(p Process) error {
	if p.ID == "" || p.Fn == nil {
		return fmt.Errorf("runtime: process needs an id and a function")
	}
	if p.Entrypoint == "" {
		p.Entrypoint = "main"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.procs[p.ID]; dup {
		return fmt.Errorf("%w: %s", ErrProcessExists, p.ID)
	}
	r.procs[p.ID] = p
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(p Process) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the process registered under id.
func (r *Registry) Get(id string) (Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	if !ok {
		return Process{}, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return p, nil
}

// IDs returns registered process ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
