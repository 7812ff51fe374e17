// Package hooks executes user-supplied lifecycle hooks: inline scripts and
// script files in an embedded JavaScript sandbox, or ordered step lists
// through the step executor.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// defaultTimeout bounds a sandbox execution when the hook sets none.
const defaultTimeout = 30 * time.Second

var errHookTimeout = errors.New("hook timed out")

// StepRunner executes a hook's step list against a context. The runner wires
// it to the step executor after both exist.
type StepRunner func(ctx context.Context, steps []plan.Step, vuCtx *lib.VUContext) error

// Engine runs hooks. One engine serves every VU; each sandbox execution gets
// a fresh runtime, so the engine itself holds no script state.
type Engine struct {
	fs       afero.Fs
	logger   logrus.FieldLogger
	runSteps StepRunner
}

// New creates a hook engine. Step-list hooks stay unavailable until
// SetStepRunner is called.
func New(fs afero.Fs, logger logrus.FieldLogger) *Engine {
	return &Engine{fs: fs, logger: logger}
}

// SetStepRunner wires the callback used by step-list hooks.
func (e *Engine) SetStepRunner(run StepRunner) {
	e.runSteps = run
}

// outcome is what one hook execution produced: its return value plus any
// variables it asks to merge.
type outcome struct {
	Value     interface{}
	Variables map[string]interface{}
}

// Run executes a hook and merges returned variables into the caller's
// context. A failure is logged and swallowed unless the hook sets
// continueOnError to an explicit false, in which case a HookError returns.
func (e *Engine) Run(ctx context.Context, phase string, hook *plan.Hook, vuCtx *lib.VUContext) error {
	kind := hook.Kind()
	if kind == "" {
		return nil
	}

	var (
		out outcome
		err error
	)
	switch kind {
	case plan.HookKindInline:
		out, err = e.runScript(ctx, hook.Script, hook, vuCtx)
	case plan.HookKindFile:
		out, err = e.runFile(ctx, hook, vuCtx)
	case plan.HookKindSteps:
		err = e.runStepList(ctx, hook.Steps, vuCtx)
	}

	if err != nil {
		herr := &lib.HookError{Phase: phase, Err: err}
		if hook.Aborts() {
			return herr
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"phase": phase,
			"vu_id": vuCtx.VUID,
		}).Warn("hook failed")
		return nil
	}

	for k, v := range out.Variables {
		vuCtx.Variables[k] = v
	}
	return nil
}

// runScript executes an inline snippet in a fresh sandbox.
func (e *Engine) runScript(ctx context.Context, src string, hook *plan.Hook, vuCtx *lib.VUContext) (outcome, error) {
	rt, cleanup := e.newRuntime(ctx, hook.Timeout.GetDuration(defaultTimeout), vuCtx)
	defer cleanup()

	v, err := rt.RunString(src)
	if err != nil {
		return outcome{}, sandboxError(err)
	}
	return outcomeFromValue(v), nil
}

// runFile loads a script file and executes it. A file that defines a
// function named hook gets it invoked with (context, helpers); otherwise the
// body itself is the hook.
func (e *Engine) runFile(ctx context.Context, hook *plan.Hook, vuCtx *lib.VUContext) (outcome, error) {
	raw, err := afero.ReadFile(e.fs, hook.File)
	if err != nil {
		return outcome{}, fmt.Errorf("reading hook file %s: %w", hook.File, err)
	}

	rt, cleanup := e.newRuntime(ctx, hook.Timeout.GetDuration(defaultTimeout), vuCtx)
	defer cleanup()

	v, err := rt.RunString(string(raw))
	if err != nil {
		return outcome{}, sandboxError(err)
	}

	if fn, ok := goja.AssertFunction(rt.Get("hook")); ok {
		v, err = fn(goja.Undefined(), rt.Get("context"), rt.Get("helpers"))
		if err != nil {
			return outcome{}, sandboxError(err)
		}
	}
	return outcomeFromValue(v), nil
}

// runStepList executes hook steps against a synthetic copy of the caller's
// context, then propagates extracted values back.
func (e *Engine) runStepList(ctx context.Context, steps []plan.Step, vuCtx *lib.VUContext) error {
	if e.runSteps == nil {
		return fmt.Errorf("step hooks are not wired")
	}

	synth := &lib.VUContext{
		VUID:         vuCtx.VUID,
		Iteration:    vuCtx.Iteration,
		ScenarioName: vuCtx.ScenarioName,
		Variables:    make(map[string]interface{}, len(vuCtx.Variables)),
		Extracted:    make(map[string]interface{}),
		CSVRow:       vuCtx.CSVRow,
		GlobalRow:    vuCtx.GlobalRow,
	}
	for k, v := range vuCtx.Variables {
		synth.Variables[k] = v
	}

	err := e.runSteps(ctx, steps, synth)

	for k, v := range synth.Extracted {
		vuCtx.Extracted[k] = v
	}
	return err
}

// outcomeFromValue interprets a sandbox return value. An object with a
// variables member requests a merge into the caller's context.
func outcomeFromValue(v goja.Value) outcome {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return outcome{}
	}
	exported := v.Export()
	out := outcome{Value: exported}
	if m, ok := exported.(map[string]interface{}); ok {
		if vars, ok := m["variables"].(map[string]interface{}); ok {
			out.Variables = vars
		}
	}
	return out
}

// sandboxError unwraps a goja interrupt into the timeout or cancellation
// that caused it.
func sandboxError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("hook interrupted: %v", interrupted.Value())
	}
	return err
}
