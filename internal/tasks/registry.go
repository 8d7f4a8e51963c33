package tasks

import (
	"context"
	"errors"
	"sync"
)

// TaskHandler runs one pass of a periodic task and returns a result map for the run history
type TaskHandler func(ctx context.Context) (map[string]interface{}, error)

// ErrSkipped is returned by a handler that had nothing it was allowed to do.
var ErrSkipped = errors.New("task skipped")

// Registry stores task handlers by name, in registration order
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds or replaces the handler for a task name
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = handler
}

// Get retrieves a handler for a task name
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names lists registered tasks in the order they run
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
