// Package testutils provides shared test doubles: a scripted protocol
// handler and log capture helpers.
package testutils

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// ScriptFunc produces the response for one step execution.
type ScriptFunc func(step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error)

// ScriptedHandler is a protocol handler for tests: it returns canned
// responses per step name and records every call. Safe for concurrent VUs.
type ScriptedHandler struct {
	kind  string
	delay time.Duration

	mu      sync.Mutex
	scripts map[string]ScriptFunc
	calls   map[string]int
	total   int
}

// NewScriptedHandler creates a handler for the given step type. Unscripted
// steps succeed with status 200 and a 5ms duration.
func NewScriptedHandler(kind string) *ScriptedHandler {
	return &ScriptedHandler{
		kind:    kind,
		scripts: make(map[string]ScriptFunc),
		calls:   make(map[string]int),
	}
}

// WithDelay makes every Execute call take d, honoring cancellation.
func (h *ScriptedHandler) WithDelay(d time.Duration) *ScriptedHandler {
	h.delay = d
	return h
}

// Script registers fn for steps named name.
func (h *ScriptedHandler) Script(name string, fn ScriptFunc) {
	h.mu.Lock()
	h.scripts[name] = fn
	h.mu.Unlock()
}

// FailWith makes steps named name fail with the given status and message.
func (h *ScriptedHandler) FailWith(name string, status int, msg string) {
	h.Script(name, func(*plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return &lib.HandlerResponse{
			Success:    false,
			Status:     status,
			DurationMS: 5,
			Error:      msg,
			ErrorKind:  lib.ErrorKindRequest,
		}, nil
	})
}

// Type implements lib.StepHandler.
func (h *ScriptedHandler) Type() string { return h.kind }

// Execute implements lib.StepHandler.
func (h *ScriptedHandler) Execute(ctx context.Context, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	h.total++
	h.calls[step.Name]++
	fn := h.scripts[step.Name]
	h.mu.Unlock()

	if fn != nil {
		return fn(step, vuCtx)
	}
	return &lib.HandlerResponse{Success: true, Status: 200, DurationMS: 5}, nil
}

// Total returns the number of Execute calls across all steps.
func (h *ScriptedHandler) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Calls returns the number of Execute calls for one step name.
func (h *ScriptedHandler) Calls(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

var _ lib.StepHandler = (*ScriptedHandler)(nil)

// CaptureLogger returns a logger that records every entry, including debug
// level, without writing anywhere.
func CaptureLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// HasEntry reports whether any captured entry at the given level contains
// substr in its message.
func HasEntry(hook *logtest.Hook, level logrus.Level, substr string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
