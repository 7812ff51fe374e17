// Package step executes single plan steps: condition gating, template
// rendering, retried handler dispatch, checks, extractions, step hooks, and
// result recording.
package step

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/handler"
	"github.com/stampedehq/stampede/internal/hooks"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/metrics"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/template"
)

// timeoutDetectionRatio marks a result as a timeout once its duration
// reaches this share of the configured step timeout.
const timeoutDetectionRatio = 0.95

// FailedError reports a failed step whose continueOnError is an explicit
// false. It aborts the current scenario pass, never the VU.
type FailedError struct {
	Step  string
	Cause string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.Step, e.Cause)
}

// Outcome summarizes one step execution for the VU loop.
type Outcome struct {
	Skipped  bool
	Success  bool
	Recorded bool
}

// Executor runs steps for every VU of a test. It is stateless across calls;
// all mutable state lives in the VU context and the collector.
type Executor struct {
	templates *template.Engine
	hooks     *hooks.Engine
	handlers  *handler.Registry
	collector *metrics.Collector
	debug     plan.DebugConfig
	logger    logrus.FieldLogger
}

// NewExecutor wires a step executor.
func NewExecutor(
	templates *template.Engine,
	hookEngine *hooks.Engine,
	handlers *handler.Registry,
	collector *metrics.Collector,
	debug plan.DebugConfig,
	logger logrus.FieldLogger,
) *Executor {
	return &Executor{
		templates: templates,
		hooks:     hookEngine,
		handlers:  handlers,
		collector: collector,
		debug:     debug,
		logger:    logger,
	}
}

// RunSteps executes a step list sequentially against one context. Hook step
// lists and scenario bodies both go through here.
func (e *Executor) RunSteps(ctx context.Context, steps []plan.Step, vuCtx *lib.VUContext) error {
	for i := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.Execute(ctx, &steps[i], vuCtx); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs one step to completion. The returned error aborts the
// enclosing scenario pass: context cancellation, an aborting hook, or a
// failed step with continueOnError=false. Ordinary failures are recorded
// and swallowed.
func (e *Executor) Execute(ctx context.Context, step *plan.Step, vuCtx *lib.VUContext) (Outcome, error) {
	log := e.logger.WithFields(logrus.Fields{
		"vu_id":    vuCtx.VUID,
		"scenario": vuCtx.ScenarioName,
		"step":     step.Name,
	})

	if step.Condition != "" && !e.evaluateCondition(step.Condition, vuCtx) {
		log.Debug("condition false, step skipped")
		return Outcome{Skipped: true}, nil
	}

	if err := e.hooks.Run(ctx, "beforeStep", step.Hooks.BeforeStep, vuCtx); err != nil {
		return Outcome{}, err
	}

	rendered, err := e.templates.RenderStep(step, vuCtx)
	if err != nil {
		log.WithError(err).Warn("template error, token left literal")
	}

	start := time.Now()
	resp, err := e.dispatch(ctx, rendered, vuCtx)
	if err != nil {
		return Outcome{}, err
	}

	if failures := e.runChecks(rendered.Checks, resp, vuCtx); len(failures) > 0 {
		resp.Success = false
		// A handler error outranks check failures as the recorded cause.
		if resp.Error == "" {
			resp.Error = (&lib.CheckError{Failures: failures}).Error()
		}
		if resp.ErrorKind == "" {
			resp.ErrorKind = lib.ErrorKindRequest
		}
	}

	e.applyExtractions(rendered.Extract, resp, vuCtx, log)

	measured := measurable(rendered)
	if measured && rendered.Timeout > 0 {
		limit := float64(rendered.Timeout.D().Milliseconds()) * timeoutDetectionRatio
		if resp.DurationMS >= limit {
			resp.Success = false
			resp.Error = "verification timeout"
			resp.ErrorKind = lib.ErrorKindTimeout
		}
	}

	var hookErr error
	if !resp.Success {
		hookErr = e.hooks.Run(ctx, "onStepError", step.Hooks.OnStepError, vuCtx)
	}
	if err := e.hooks.Run(ctx, "teardownStep", step.Hooks.TeardownStep, vuCtx); err != nil && hookErr == nil {
		hookErr = err
	}

	outcome := Outcome{Success: resp.Success}
	if measured {
		e.record(rendered, resp, vuCtx, start)
		outcome.Recorded = true
	}

	if hookErr != nil {
		return outcome, hookErr
	}
	if !resp.Success {
		log.WithField("error", resp.Error).Debug("step failed")
		if rendered.Aborts() {
			return outcome, &FailedError{Step: step.Name, Cause: resp.Error}
		}
	}
	return outcome, nil
}

// dispatch runs the handler with the step's retry policy. A nil error means
// resp is the final verdict; a non-nil error aborts the scenario pass.
func (e *Executor) dispatch(ctx context.Context, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error) {
	h, ok := e.handlers.Get(step.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for step type %q", step.Type)
	}

	maxAttempts := 1
	var delay time.Duration
	exponential := true
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 1 {
			maxAttempts = step.Retry.MaxAttempts
		}
		delay = step.Retry.Delay.D()
		exponential = step.Retry.Backoff != "linear"
	}

	var resp *lib.HandlerResponse
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if !clock.Sleep(ctx, retryDelay(delay, exponential, attempt-1)) {
				return nil, ctx.Err()
			}
		}

		attemptStart := time.Now()
		var err error
		resp, err = e.executeAttempt(ctx, h, step, vuCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resp = &lib.HandlerResponse{
				Success:   false,
				Error:     err.Error(),
				ErrorKind: classifyError(err),
			}
		}
		if resp.DurationMS == 0 {
			resp.DurationMS = float64(time.Since(attemptStart).Nanoseconds()) / 1e6
		}
		if resp.Success {
			break
		}
	}
	return resp, nil
}

// executeAttempt bounds one handler call with the step timeout.
func (e *Executor) executeAttempt(ctx context.Context, h lib.StepHandler, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error) {
	if t := step.Timeout.D(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return h.Execute(ctx, step, vuCtx)
}

// retryDelay computes the pause before the next attempt. completed is the
// number of attempts already made.
func retryDelay(delay time.Duration, exponential bool, completed int) time.Duration {
	if delay <= 0 {
		return 0
	}
	if exponential {
		return time.Duration(float64(delay) * math.Pow(2, float64(completed-1)))
	}
	return delay * time.Duration(completed)
}

// record pushes a result into the collector, honoring the debug capture
// envelope.
func (e *Executor) record(step *plan.Step, resp *lib.HandlerResponse, vuCtx *lib.VUContext, start time.Time) {
	r := &lib.Result{
		ID:            uuid.NewString(),
		VUID:          vuCtx.VUID,
		Iteration:     vuCtx.Iteration,
		Scenario:      vuCtx.ScenarioName,
		StepName:      step.Name,
		Timestamp:     start.UnixNano(),
		DurationMS:    resp.DurationMS,
		Success:       resp.Success,
		Status:        resp.Status,
		BytesSent:     resp.BytesSent,
		BytesReceived: resp.BytesReceived,
		LatencyMS:     resp.LatencyMS,
		ConnectMS:     resp.ConnectMS,
		Error:         resp.Error,
		ErrorKind:     string(resp.ErrorKind),
	}

	capture := !e.debug.CaptureOnlyFailures || !resp.Success
	if capture {
		if e.debug.CaptureRequestBody {
			r.RequestBody = resp.RequestBody
		}
		if e.debug.CaptureResponseBody && len(resp.RawBody) > 0 {
			body := string(resp.RawBody)
			if limit := e.debug.MaxResponseBodySize; limit > 0 && len(body) > limit {
				body = body[:limit]
			}
			r.ResponseBody = body
		}
		if e.debug.CaptureResponseHeaders && len(resp.RawHeaders) > 0 {
			headers := make(map[string]string, len(resp.RawHeaders))
			for k, v := range resp.RawHeaders {
				headers[k] = v
			}
			r.ResponseHeaders = headers
		}
	}

	e.collector.RecordResult(r)
}

// classifyError maps a handler error to the error taxonomy.
func classifyError(err error) lib.ErrorKind {
	var herr *lib.HandlerError
	if errors.As(err, &herr) {
		return herr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return lib.ErrorKindTimeout
	}
	return lib.ErrorKindUnknown
}

// measurable reports whether a step's execution produces a Result. All
// rest, soap, and wait steps measure; web steps measure for navigation,
// verification, and explicit measurement commands; anything else only under
// measure: true.
func measurable(step *plan.Step) bool {
	switch step.Type {
	case "rest", "soap", "wait":
		return true
	case "web":
		cmd := webCommand(step)
		if cmd == "navigate" || cmd == "measure_web_vitals" || cmd == "performance_audit" ||
			strings.HasPrefix(cmd, "verify_") || strings.HasPrefix(cmd, "wait_for_") {
			return true
		}
	}
	if m, ok := step.Payload["measure"].(bool); ok && m {
		return true
	}
	return false
}

// webCommand names a web step's browser command: the command payload field
// when present, otherwise the step name.
func webCommand(step *plan.Step) string {
	if cmd, ok := step.Payload["command"].(string); ok && cmd != "" {
		return cmd
	}
	return step.Name
}
