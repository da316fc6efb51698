package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
)

// Handler executes tasks of one category. Implementations are the external
// collaborators (hypothesis generation, comparison, similarity); the pool
// only invokes them and reports what they return.
//
// Handlers must be idempotent or detect duplicate effects via the task ID:
// execution is at-least-once. They must poll ctx at safe points; cancellation
// is cooperative, never preemptive.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error)
	Category() string
}

// Registry maps task categories to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Category()] = h
}

// Get returns the handler for the given category, or nil if none registered.
func (r *Registry) Get(category string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[category]
}

// Categories returns the categories this registry can execute.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	return out
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Cat string
	Fn  func(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

func (h HandlerFunc) Category() string { return h.Cat }

func (h HandlerFunc) Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return h.Fn(ctx, task)
}
