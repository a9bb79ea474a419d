// Package executor holds the pluggable side-effect adapters invoked once a
// change is authorized or a task is dispatched. The ledger and queue depend
// only on the interfaces here; concrete adapters are wired at startup.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned when no handler is registered for a task type
// or change action. Submissions with unknown types fail fast instead of
// being silently dropped.
var ErrUnknownType = errors.New("no handler registered for type")

// Executor performs the side effect for an authorized change.
type Executor interface {
	Execute(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc executes one task attempt. A returned error counts against the
// task's redelivery budget. Handlers may be re-invoked for the same task if
// an earlier attempt's acknowledgment was lost, so they should tolerate
// duplicate side effects.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps task types (and change action kinds) to handlers. It is
// populated once at startup and read-only afterwards; the mutex only guards
// against misuse during wiring.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a type tag. Registering the same tag twice is
// a wiring bug and panics.
func (r *Registry) Register(kind string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		panic(fmt.Sprintf("executor: duplicate handler for %q", kind))
	}
	r.handlers[kind] = fn
}

// Handler returns the handler for a type tag.
func (r *Registry) Handler(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// Known reports whether a handler exists for the type tag.
func (r *Registry) Known(kind string) bool {
	_, ok := r.Handler(kind)
	return ok
}

// Kinds returns the registered type tags, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute implements Executor by dispatching to the registered handler.
func (r *Registry) Execute(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	fn, ok := r.Handler(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, kind)
	}
	return fn(ctx, payload)
}
