package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roadrunner-server/errors"
)

// Handler executes one job type. A returned error (or panic) sends the job to the failed store.
type Handler interface {
	Handle(ctx context.Context, j *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *Job) error

func (f HandlerFunc) Handle(ctx context.Context, j *Job) error {
	return f(ctx, j)
}

// FailedHandler is implemented by handlers that want to observe their own failures.
type FailedHandler interface {
	Failed(ctx context.Context, j *Job, err error)
}

// Factory produces a handler for a single job execution.
type Factory func() Handler

// Registry maps job types to handler factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds jobType to f. The factory is invoked once to make sure it yields a handler.
func (r *Registry) Register(jobType string, f Factory) error {
	const op = errors.Op("queue_registry_register")
	if jobType == "" {
		return errors.E(op, errors.Str("empty job type"))
	}
	if f == nil {
		return errors.E(op, errors.Errorf("nil factory for job type %s", jobType))
	}
	if f() == nil {
		return errors.E(op, errors.Errorf("factory for job type %s returned no handler", jobType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[jobType]; ok {
		return errors.E(op, errors.Errorf("job type %s already registered", jobType))
	}

	r.factories[jobType] = f
	return nil
}

// RegisterFunc binds jobType to a stateless handler function.
func (r *Registry) RegisterFunc(jobType string, fn HandlerFunc) error {
	if fn == nil {
		return r.Register(jobType, nil)
	}

	return r.Register(jobType, func() Handler { return fn })
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(jobType string, f Factory) {
	if err := r.Register(jobType, f); err != nil {
		panic(err)
	}
}

// Resolve builds a handler for jobType.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}

	r.mu.RLock()
	f, ok := r.factories[jobType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}

	h := f()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}

	return h, nil
}

func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[jobType]
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}
