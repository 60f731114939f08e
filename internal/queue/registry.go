package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc runs a job.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// RescueFunc runs once after a job exhausted its attempts.
type RescueFunc func(ctx context.Context, payload json.RawMessage, cause error) error

// Handler pairs a job with its cleanup.
type Handler struct {
	Handle HandlerFunc
	Rescue RescueFunc
}

// Registry stores job handlers keyed by job name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a job name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if h.Handle == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered for %s", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister adds a handler or panics.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
