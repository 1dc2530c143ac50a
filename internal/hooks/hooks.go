// Package hooks publishes recipe lifecycle events to registered handlers.
// Events are observational: handler failures are logged and never change
// the outcome of a run.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/meow-stack/recipe-engine/internal/logging"
)

// Lifecycle events emitted by the executor.
const (
	EventRecipeStart    = "recipe:start"
	EventRecipeStep     = "recipe:step"
	EventRecipeComplete = "recipe:complete"
)

// Result reports what happened to one emitted event.
type Result struct {
	Event    string
	Handled  int     // Handlers that ran without error
	Errors   []error // One per failed handler
	Returned []any   // Non-nil handler return values, in order
}

// Bus is anything that can receive lifecycle events.
type Bus interface {
	Emit(ctx context.Context, event string, data map[string]any) (Result, error)
}

// Handler receives one event. Its return value is collected into Result.
type Handler func(ctx context.Context, event string, data map[string]any) (any, error)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

type registration struct {
	name    string
	handler Handler
}

// Registry is an in-process Bus. Handlers run synchronously in
// registration order, wildcard handlers after event-specific ones.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string][]registration),
		logger:   logging.OrDiscard(logger).With("component", "hooks"),
	}
}

// Register subscribes handler to event (or Wildcard) under a name used in logs.
func (r *Registry) Register(event, name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], registration{name: name, handler: handler})
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, regs := range r.handlers {
		n += len(regs)
	}
	return n
}

// Emit runs every handler for event. A failing or panicking handler is
// recorded in the result and logged; the remaining handlers still run.
// A nil registry, or one without handlers, emits nothing.
func (r *Registry) Emit(ctx context.Context, event string, data map[string]any) (Result, error) {
	res := Result{Event: event}
	if r == nil {
		return res, nil
	}

	r.mu.RLock()
	regs := append([]registration{}, r.handlers[event]...)
	if event != Wildcard {
		regs = append(regs, r.handlers[Wildcard]...)
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		out, err := r.call(ctx, reg, event, data)
		if err != nil {
			r.logger.Warn("hook handler failed", "event", event, "handler", reg.name, "error", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Handled++
		if out != nil {
			res.Returned = append(res.Returned, out)
		}
	}
	return res, nil
}

func (r *Registry) call(ctx context.Context, reg registration, event string, data map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", reg.name, p)
		}
	}()
	return reg.handler(ctx, event, data)
}

// Emitter is the executor's view of a Bus. A nil Emitter, or one wrapping
// no bus, is inert.
type Emitter struct {
	bus    Bus
	logger *slog.Logger
}

// NewEmitter wraps bus, which may be nil.
func NewEmitter(bus Bus, logger *slog.Logger) *Emitter {
	if isNil(bus) {
		bus = nil
	}
	return &Emitter{bus: bus, logger: logging.OrDiscard(logger)}
}

// Emit sends one event. Bus errors are logged and swallowed.
func (e *Emitter) Emit(ctx context.Context, event string, data map[string]any) {
	if e == nil || e.bus == nil {
		return
	}
	if _, err := e.bus.Emit(ctx, event, data); err != nil {
		e.logger.Warn("emitting hook event", "event", event, "error", err)
	}
}

// Enabled reports whether events reach a bus.
func (e *Emitter) Enabled() bool {
	return e != nil && e.bus != nil
}

// isNil catches typed nil pointers stored in the interface.
func isNil(bus Bus) bool {
	if bus == nil {
		return true
	}
	v := reflect.ValueOf(bus)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
