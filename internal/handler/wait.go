package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/rendezvous"
)

// defaultRendezvousTimeout bounds a barrier wait when the step sets none.
const defaultRendezvousTimeout = 30 * time.Second

// WaitHandler serves wait steps: a deliberate measurable pause in a
// scenario, driven by the step's duration payload field, or a rendezvous
// barrier wait when the payload names one.
type WaitHandler struct {
	logger   logrus.FieldLogger
	barriers *rendezvous.Registry
}

var _ lib.StepHandler = (*WaitHandler)(nil)

// NewWaitHandler creates the built-in wait handler. Rendezvous steps fail
// until a barrier registry is attached.
func NewWaitHandler(logger logrus.FieldLogger) *WaitHandler {
	return &WaitHandler{logger: logger}
}

// NewWaitHandlerWithBarriers creates a wait handler that also serves
// rendezvous steps against the given registry.
func NewWaitHandlerWithBarriers(logger logrus.FieldLogger, barriers *rendezvous.Registry) *WaitHandler {
	return &WaitHandler{logger: logger, barriers: barriers}
}

// Type implements lib.StepHandler.
func (h *WaitHandler) Type() string { return "wait" }

// Execute implements lib.StepHandler. The pause is cancellable; a cancelled
// wait surfaces the context error instead of a failure record.
func (h *WaitHandler) Execute(ctx context.Context, step *plan.Step, vuctx *lib.VUContext) (*lib.HandlerResponse, error) {
	if name, ok := step.Payload["rendezvous"].(string); ok && name != "" {
		return h.awaitBarrier(ctx, step, name)
	}

	d, err := waitDuration(step)
	if err != nil {
		return &lib.HandlerResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: lib.ErrorKindRequest,
		}, nil
	}

	start := time.Now()
	if !clock.Sleep(ctx, d) {
		return nil, ctx.Err()
	}

	return &lib.HandlerResponse{
		Success:    true,
		DurationMS: float64(time.Since(start).Nanoseconds()) / 1e6,
	}, nil
}

// awaitBarrier blocks the VU at the named barrier until the configured
// number of parties arrive. A timed-out wait is a failed result, not an
// aborted step; a cancelled one surfaces the context error.
func (h *WaitHandler) awaitBarrier(ctx context.Context, step *plan.Step, name string) (*lib.HandlerResponse, error) {
	if h.barriers == nil {
		return &lib.HandlerResponse{
			Success:   false,
			Error:     fmt.Sprintf("wait step %q: no rendezvous registry", step.Name),
			ErrorKind: lib.ErrorKindRequest,
		}, nil
	}

	parties, ok := step.Payload["parties"].(float64)
	if !ok || parties < 1 {
		return &lib.HandlerResponse{
			Success:   false,
			Error:     fmt.Sprintf("wait step %q: rendezvous needs parties >= 1", step.Name),
			ErrorKind: lib.ErrorKindRequest,
		}, nil
	}

	timeout := defaultRendezvousTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout.D()
	}

	start := time.Now()
	tripped := h.barriers.Await(ctx, name, int(parties), timeout)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	resp := &lib.HandlerResponse{
		Success:    tripped,
		DurationMS: float64(time.Since(start).Nanoseconds()) / 1e6,
	}
	if !tripped {
		resp.Error = fmt.Sprintf("rendezvous %q timed out", name)
		resp.ErrorKind = lib.ErrorKindTimeout
	}
	return resp, nil
}

// waitDuration reads the pause length from the step payload: a duration
// string or a number of seconds under duration, or milliseconds under ms.
func waitDuration(step *plan.Step) (time.Duration, error) {
	if raw, ok := step.Payload["duration"]; ok {
		switch v := raw.(type) {
		case string:
			d, err := clock.ParseDuration(v)
			if err != nil {
				return 0, fmt.Errorf("wait step %q: %w", step.Name, err)
			}
			return d, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return 0, fmt.Errorf("wait step %q: duration must be a string or seconds", step.Name)
		}
	}
	if raw, ok := step.Payload["ms"]; ok {
		if v, ok := raw.(float64); ok {
			return time.Duration(v * float64(time.Millisecond)), nil
		}
		return 0, fmt.Errorf("wait step %q: ms must be a number", step.Name)
	}
	return 0, fmt.Errorf("wait step %q: no duration", step.Name)
}
