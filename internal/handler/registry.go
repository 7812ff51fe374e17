// Package handler owns the registry of protocol step handlers and the
// built-in wait handler. Protocol implementations register themselves; the
// engine activates only the types a plan actually uses.
package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// Registry maps step types to handlers. Registration happens during startup;
// lookups during a run are read-only.
type Registry struct {
	logger logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]lib.StepHandler
	active   map[string]lib.StepHandler
}

// NewRegistry creates a registry with the built-in wait handler registered.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	r := &Registry{
		logger:   logger,
		handlers: make(map[string]lib.StepHandler),
		active:   make(map[string]lib.StepHandler),
	}
	r.Register(NewWaitHandler(logger))
	return r
}

// Register adds a handler, replacing any previous handler of the same type.
func (r *Registry) Register(h lib.StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Activate initializes the handlers for the given step types. Types without
// a registered handler fail activation; nothing outside types is touched.
func (r *Registry) Activate(types []string, debug plan.DebugConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range types {
		h, ok := r.handlers[t]
		if !ok {
			return fmt.Errorf("no handler registered for step type %q", t)
		}
		if init, ok := h.(lib.HandlerInitializer); ok {
			if err := init.Initialize(debug); err != nil {
				return fmt.Errorf("initializing %s handler: %w", t, err)
			}
		}
		r.active[t] = h
		r.logger.WithField("type", t).Debug("handler activated")
	}
	return nil
}

// Get returns the active handler for a step type.
func (r *Registry) Get(stepType string) (lib.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.active[stepType]
	return h, ok
}

// Types lists every registered type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CleanupVU releases per-VU resources on every active handler that holds
// any. The first error is returned after all handlers ran.
func (r *Registry) CleanupVU(vuID int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	for t, h := range r.active {
		cleaner, ok := h.(lib.VUCleaner)
		if !ok {
			continue
		}
		if err := cleaner.CleanupVU(vuID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s handler vu cleanup: %w", t, err)
		}
	}
	return firstErr
}

// Cleanup releases process-wide handler resources. Every active handler
// runs; the first error is returned.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for t, h := range r.active {
		cleaner, ok := h.(lib.HandlerCleaner)
		if !ok {
			continue
		}
		if err := cleaner.Cleanup(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s handler cleanup: %w", t, err)
			}
			r.logger.WithError(err).WithField("type", t).Error("handler cleanup failed")
		}
	}
	r.active = make(map[string]lib.StepHandler)
	return firstErr
}
