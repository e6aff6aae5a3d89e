package model

import (
	"fmt"
	"sync"
)

// Registry maps model names to the Client that serves them, and is the
// source of truth the run Start endpoint validates against (spec §5
// "Start": "validate the LLM model against the model registry").
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds modelName to client, overwriting any prior binding.
func (r *Registry) Register(modelName string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[modelName] = client
}

// Valid reports whether modelName is registered.
func (r *Registry) Valid(modelName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[modelName]
	return ok
}

// Resolve returns the Client bound to modelName.
func (r *Registry) Resolve(modelName string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[modelName]
	if !ok {
		return nil, fmt.Errorf("model: unknown model %q", modelName)
	}
	return c, nil
}

// Names returns every registered model name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
