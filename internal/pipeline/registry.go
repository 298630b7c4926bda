package pipeline

import (
	"fmt"
	"sync"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// Registry holds a collection's named pipelines. An unknown pipeline name
// referenced at index time is a client error (spec §4.6).
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry builds an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register adds or replaces a named pipeline.
func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
}

// Get looks up a pipeline by name.
func (r *Registry) Get(name string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Run looks up name and applies it to doc. An empty name is a no-op success
// (no pipeline requested); a name with no matching registration is a
// BadRequest.
func (r *Registry) Run(name string, doc *model.Document) error {
	if name == "" {
		return nil
	}
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("pipeline: unknown pipeline %q: %w", name, prismerr.ErrBadRequest)
	}
	return p.Run(doc)
}
