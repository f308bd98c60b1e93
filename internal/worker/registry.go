package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// Handler executes the business logic of one worker kind
type Handler interface {
	Execute(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, jobID, payload)
}

// Factory builds a fresh Handler for each job
type Factory func() Handler

// Registry maps worker kinds to handler factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in handlers
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EchoKind, func() Handler { return HandlerFunc(Echo) })
	r.Register(SleepKind, func() Handler { return HandlerFunc(Sleep) })
	return r
}

// Register binds kind to factory, replacing any previous binding
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Lookup returns a handler for kind or ErrUnknownWorker
func (r *Registry) Lookup(kind string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", jobs.ErrUnknownWorker, kind)
	}
	return factory(), nil
}

// Kinds lists the registered worker kinds in order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
