package blocks

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// ErrNoBlock is returned when no factory is registered for a type tag.
var ErrNoBlock = errors.New("no block registered for type tag")

// Factory creates a block instance for a step definition. The step's
// literal bindings are available for configuration; factories run once per
// step at graph-bind time, not per call.
type Factory func(step *workflow.Step) (Block, error)

// Registry maps type tags to block factories. It is safe for concurrent
// use, though registration normally happens up front.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a type tag, replacing any previous one.
func (r *Registry) Register(typeTag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = f
}

// Has reports whether a factory exists for the type tag.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Create instantiates the block for a step, failing with ErrNoBlock when
// the step's type tag is unregistered.
func (r *Registry) Create(step *workflow.Step) (Block, error) {
	r.mu.RLock()
	f, ok := r.factories[step.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (step %q)", ErrNoBlock, step.Type, step.Name)
	}
	b, err := f(step)
	if err != nil {
		return nil, fmt.Errorf("creating block for step %q: %w", step.Name, err)
	}
	return b, nil
}
