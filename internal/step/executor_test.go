package step

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"gopkg.in/guregu/null.v3"

	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/handler"
	"github.com/stampedehq/stampede/internal/hooks"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/metrics"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/template"
)

// scriptedHandler returns canned responses per attempt, for driving the
// executor without real protocol I/O.
type scriptedHandler struct {
	typ    string
	calls  int
	script func(call int, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error)
}

func (h *scriptedHandler) Type() string { return h.typ }

func (h *scriptedHandler) Execute(_ context.Context, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error) {
	h.calls++
	return h.script(h.calls, step, vuCtx)
}

func okResponse() *lib.HandlerResponse {
	return &lib.HandlerResponse{Success: true, Status: 200, DurationMS: 12}
}

func failedResponse(msg string) *lib.HandlerResponse {
	return &lib.HandlerResponse{Success: false, Status: 500, DurationMS: 8, Error: msg, ErrorKind: lib.ErrorKindRequest}
}

type testRig struct {
	executor  *Executor
	handler   *scriptedHandler
	collector *metrics.Collector
	logs      *logtest.Hook
}

func newTestRig(t *testing.T, script func(call int, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error)) *testRig {
	t.Helper()
	return newTestRigDebug(t, plan.DebugConfig{}, script)
}

func newTestRigDebug(t *testing.T, debug plan.DebugConfig, script func(call int, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error)) *testRig {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fs := afero.NewMemMapFs()

	templates := template.New(fs, data.NewRegistry(fs, logger), plan.FakerConfig{}, logger)
	hookEngine := hooks.New(fs, logger)
	collector := metrics.NewCollector(metrics.Config{}, "step-test", nil, fs, logger)

	registry := handler.NewRegistry(logger)
	scripted := &scriptedHandler{typ: "rest", script: script}
	registry.Register(scripted)
	if err := registry.Activate([]string{"rest", "wait"}, debug); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	exec := NewExecutor(templates, hookEngine, registry, collector, debug, logger)
	hookEngine.SetStepRunner(exec.RunSteps)

	return &testRig{executor: exec, handler: scripted, collector: collector, logs: hook}
}

func newWebTestRig(t *testing.T, script func(call int, step *plan.Step, vuCtx *lib.VUContext) (*lib.HandlerResponse, error)) *testRig {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	fs := afero.NewMemMapFs()

	templates := template.New(fs, data.NewRegistry(fs, logger), plan.FakerConfig{}, logger)
	hookEngine := hooks.New(fs, logger)
	collector := metrics.NewCollector(metrics.Config{}, "step-test", nil, fs, logger)

	registry := handler.NewRegistry(logger)
	scripted := &scriptedHandler{typ: "web", script: script}
	registry.Register(scripted)
	if err := registry.Activate([]string{"web"}, plan.DebugConfig{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	exec := NewExecutor(templates, hookEngine, registry, collector, plan.DebugConfig{}, logger)
	return &testRig{executor: exec, handler: scripted, collector: collector, logs: hook}
}

func restStep(name string) *plan.Step {
	return &plan.Step{
		Name:    name,
		Type:    "rest",
		Payload: map[string]interface{}{"url": "https://api.example.com/things", "method": "GET"},
	}
}

func TestExecuteRecordsMeasurableStep(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return okResponse(), nil
	})

	out, err := rig.executor.Execute(context.Background(), restStep("list things"), lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || out.Skipped || !out.Recorded {
		t.Fatalf("outcome = %+v, want success recorded", out)
	}
	if got := rig.collector.TotalResults(); got != 1 {
		t.Fatalf("TotalResults = %d, want 1", got)
	}
}

func TestExecuteSkipsOnFalseCondition(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return okResponse(), nil
	})

	step := restStep("conditional")
	step.Condition = "{{run_it}}"

	out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Skipped {
		t.Fatal("expected step to be skipped on unresolved condition")
	}
	if rig.handler.calls != 0 {
		t.Fatalf("handler called %d times for a skipped step", rig.handler.calls)
	}
	if got := rig.collector.TotalResults(); got != 0 {
		t.Fatalf("TotalResults = %d, want 0", got)
	}
}

func TestExecuteRunsOnTrueCondition(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return okResponse(), nil
	})

	step := restStep("conditional")
	step.Condition = "{{count}} > 3"

	vuCtx := lib.NewVUContext(1)
	vuCtx.SetVariable("count", float64(5))

	out, err := rig.executor.Execute(context.Background(), step, vuCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Skipped {
		t.Fatal("step skipped, want executed")
	}
	if rig.handler.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", rig.handler.calls)
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	rig := newTestRig(t, func(call int, _ *plan.Step, _ *lib.VUContext) (*lib.HandlerResponse, error) {
		if call < 3 {
			return failedResponse("transient"), nil
		}
		return okResponse(), nil
	})

	step := restStep("flaky")
	step.Retry = &plan.Retry{MaxAttempts: 3, Delay: plan.Duration(time.Millisecond)}

	out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success after retries")
	}
	if rig.handler.calls != 3 {
		t.Fatalf("handler calls = %d, want 3", rig.handler.calls)
	}
	if got := rig.collector.TotalResults(); got != 1 {
		t.Fatalf("TotalResults = %d, want 1 (only the final attempt records)", got)
	}
}

func TestExecuteRetryStopsAtMaxAttempts(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return failedResponse("still down"), nil
	})

	step := restStep("down")
	step.Retry = &plan.Retry{MaxAttempts: 2, Delay: plan.Duration(time.Millisecond), Backoff: "linear"}

	out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure after exhausted retries")
	}
	if rig.handler.calls != 2 {
		t.Fatalf("handler calls = %d, want 2", rig.handler.calls)
	}
}

func TestExecuteHandlerErrorBecomesFailedResult(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return nil, &lib.HandlerError{Kind: lib.ErrorKindNetwork, Err: errors.New("connection refused")}
	})

	out, err := rig.executor.Execute(context.Background(), restStep("unreachable"), lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure from handler error")
	}
	if got := rig.collector.TotalResults(); got != 1 {
		t.Fatalf("TotalResults = %d, want 1", got)
	}
}

func TestExecuteAbortsOnExplicitContinueOnErrorFalse(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return failedResponse("boom"), nil
	})

	step := restStep("critical")
	step.ContinueOnError = null.BoolFrom(false)

	_, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *FailedError", err)
	}
	if failed.Step != "critical" {
		t.Fatalf("failed.Step = %q", failed.Step)
	}
}

func TestExecuteSwallowsFailureByDefault(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return failedResponse("boom"), nil
	})

	out, err := rig.executor.Execute(context.Background(), restStep("tolerated"), lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v, want failure swallowed", err)
	}
	if out.Success {
		t.Fatal("outcome reports success for a failed step")
	}
	if !out.Recorded {
		t.Fatal("failed step was not recorded")
	}
}

func TestExecuteCheckFailuresCollectAll(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		resp := okResponse()
		resp.Status = 404
		resp.RawBody = []byte(`{"error":"missing"}`)
		return resp, nil
	})

	step := restStep("checked")
	step.ContinueOnError = null.BoolFrom(false)
	step.Checks = []plan.Check{
		{Kind: "status", Expected: float64(200)},
		{Kind: "text_contains", Expected: "created"},
	}

	_, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *FailedError", err)
	}
	if !strings.Contains(failed.Cause, "status") || !strings.Contains(failed.Cause, "text_contains") {
		t.Fatalf("cause %q does not name both failed checks", failed.Cause)
	}
}

func TestExecuteAppliesExtractions(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		resp := okResponse()
		resp.RawBody = []byte(`{"token":"abc123","user":{"id":42}}`)
		resp.RawHeaders = map[string]string{"X-Request-Id": "req-9"}
		return resp, nil
	})

	step := restStep("login")
	step.Extract = []plan.Extraction{
		{Name: "token", Kind: "json_path", Expression: "$.token"},
		{Name: "user_id", Kind: "json_path", Expression: "$.user.id"},
		{Name: "request_id", Kind: "header", Expression: "x-request-id"},
	}

	vuCtx := lib.NewVUContext(1)
	if _, err := rig.executor.Execute(context.Background(), step, vuCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := vuCtx.Extracted["token"]; got != "abc123" {
		t.Fatalf("token = %v", got)
	}
	if got := vuCtx.Extracted["user_id"]; got != float64(42) {
		t.Fatalf("user_id = %v (%T), want float64 42", got, got)
	}
	if got := vuCtx.Extracted["request_id"]; got != "req-9" {
		t.Fatalf("request_id = %v", got)
	}
}

func TestExecuteVerificationTimeout(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		resp := okResponse()
		resp.DurationMS = 960
		return resp, nil
	})

	step := restStep("slow")
	step.Timeout = plan.Duration(time.Second)
	step.ContinueOnError = null.BoolFrom(false)

	_, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *FailedError", err)
	}
	if failed.Cause != "verification timeout" {
		t.Fatalf("cause = %q, want verification timeout", failed.Cause)
	}
}

func TestExecuteUnderTimeoutRatioPasses(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		resp := okResponse()
		resp.DurationMS = 900
		return resp, nil
	})

	step := restStep("fast enough")
	step.Timeout = plan.Duration(time.Second)

	out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success {
		t.Fatal("step under the timeout ratio marked failed")
	}
}

func TestExecuteStepHooks(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return failedResponse("boom"), nil
	})

	step := restStep("hooked")
	step.Hooks = plan.StepHooks{
		BeforeStep:   &plan.Hook{Script: `setVariable("before", true)`},
		OnStepError:  &plan.Hook{Script: `setVariable("on_error", true)`},
		TeardownStep: &plan.Hook{Script: `setVariable("teardown", true)`},
	}

	vuCtx := lib.NewVUContext(1)
	if _, err := rig.executor.Execute(context.Background(), step, vuCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, name := range []string{"before", "on_error", "teardown"} {
		if v, ok := vuCtx.Variables[name].(bool); !ok || !v {
			t.Fatalf("hook variable %q = %v, want true", name, vuCtx.Variables[name])
		}
	}
}

func TestExecuteOnStepErrorSkippedOnSuccess(t *testing.T) {
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		return okResponse(), nil
	})

	step := restStep("clean")
	step.Hooks = plan.StepHooks{
		OnStepError:  &plan.Hook{Script: `setVariable("on_error", true)`},
		TeardownStep: &plan.Hook{Script: `setVariable("teardown", true)`},
	}

	vuCtx := lib.NewVUContext(1)
	if _, err := rig.executor.Execute(context.Background(), step, vuCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := vuCtx.Variables["on_error"]; ok {
		t.Fatal("onStepError ran for a successful step")
	}
	if v, ok := vuCtx.Variables["teardown"].(bool); !ok || !v {
		t.Fatal("teardownStep did not run on success")
	}
}

func TestExecuteTemplateErrorProceeds(t *testing.T) {
	var seenURL string
	rig := newTestRig(t, func(_ int, step *plan.Step, _ *lib.VUContext) (*lib.HandlerResponse, error) {
		seenURL, _ = step.Payload["url"].(string)
		return okResponse(), nil
	})

	step := restStep("broken template")
	step.Payload["url"] = "https://api.example.com/{{randomInt(5)}}"

	out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success {
		t.Fatal("template error failed the step")
	}
	if !strings.Contains(seenURL, "{{randomInt(5)}}") {
		t.Fatalf("url = %q, want malformed token kept literal", seenURL)
	}
}

func TestExecuteCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rig := newTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		cancel()
		return nil, ctx.Err()
	})

	_, err := rig.executor.Execute(ctx, restStep("cancelled"), lib.NewVUContext(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := rig.collector.TotalResults(); got != 0 {
		t.Fatalf("TotalResults = %d, want 0 after cancellation", got)
	}
}

func TestExecuteWebCommandMeasurability(t *testing.T) {
	cases := []struct {
		name     string
		payload  map[string]interface{}
		recorded bool
	}{
		{"navigate", map[string]interface{}{"command": "navigate", "url": "https://example.com"}, true},
		{"verify", map[string]interface{}{"command": "verify_text", "text": "Welcome"}, true},
		{"wait_for", map[string]interface{}{"command": "wait_for_element", "selector": "#done"}, true},
		{"vitals", map[string]interface{}{"command": "measure_web_vitals"}, true},
		{"audit", map[string]interface{}{"command": "performance_audit"}, true},
		{"click", map[string]interface{}{"command": "click", "selector": "#buy"}, false},
		{"click measured", map[string]interface{}{"command": "click", "selector": "#buy", "measure": true}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newWebTestRig(t, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
				return okResponse(), nil
			})
			step := &plan.Step{Name: tc.name, Type: "web", Payload: tc.payload}

			out, err := rig.executor.Execute(context.Background(), step, lib.NewVUContext(1))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Recorded != tc.recorded {
				t.Fatalf("Recorded = %v, want %v", out.Recorded, tc.recorded)
			}
		})
	}
}

func TestExecuteDebugCaptureEnvelope(t *testing.T) {
	debug := plan.DebugConfig{
		CaptureResponseBody: true,
		MaxResponseBodySize: 8,
	}
	rig := newTestRigDebug(t, debug, func(int, *plan.Step, *lib.VUContext) (*lib.HandlerResponse, error) {
		resp := okResponse()
		resp.RawBody = []byte("0123456789abcdef")
		return resp, nil
	})

	if _, err := rig.executor.Execute(context.Background(), restStep("captured"), lib.NewVUContext(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	summary := rig.collector.GetSummary()
	if summary.TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d", summary.TotalRequests)
	}
}

func TestRunStepsSequentialAndAborting(t *testing.T) {
	var order []string
	rig := newTestRig(t, func(_ int, step *plan.Step, _ *lib.VUContext) (*lib.HandlerResponse, error) {
		order = append(order, step.Name)
		if step.Name == "second" {
			return failedResponse("boom"), nil
		}
		return okResponse(), nil
	})

	steps := []plan.Step{
		*restStep("first"),
		*restStep("second"),
		*restStep("third"),
	}
	steps[1].ContinueOnError = null.BoolFrom(false)

	err := rig.executor.RunSteps(context.Background(), steps, lib.NewVUContext(1))
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *FailedError", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	cases := []struct {
		exponential bool
		completed   int
		want        time.Duration
	}{
		{true, 1, 100 * time.Millisecond},
		{true, 2, 200 * time.Millisecond},
		{true, 3, 400 * time.Millisecond},
		{false, 1, 100 * time.Millisecond},
		{false, 2, 200 * time.Millisecond},
		{false, 3, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := retryDelay(base, tc.exponential, tc.completed); got != tc.want {
			t.Errorf("retryDelay(%v, %v, %d) = %v, want %v", base, tc.exponential, tc.completed, got, tc.want)
		}
	}
	if got := retryDelay(0, true, 2); got != 0 {
		t.Errorf("retryDelay with zero base = %v, want 0", got)
	}
}

func TestMeasurable(t *testing.T) {
	cases := []struct {
		name string
		step *plan.Step
		want bool
	}{
		{"rest", &plan.Step{Type: "rest"}, true},
		{"soap", &plan.Step{Type: "soap"}, true},
		{"wait", &plan.Step{Type: "wait"}, true},
		{"custom unmeasured", &plan.Step{Type: "custom", Payload: map[string]interface{}{}}, false},
		{"custom measured", &plan.Step{Type: "custom", Payload: map[string]interface{}{"measure": true}}, true},
		{"web by step name", &plan.Step{Type: "web", Name: "verify_title", Payload: map[string]interface{}{}}, true},
		{"web fill", &plan.Step{Type: "web", Name: "fill form", Payload: map[string]interface{}{"command": "fill"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := measurable(tc.step); got != tc.want {
				t.Fatalf("measurable = %v, want %v", got, tc.want)
			}
		})
	}
}
