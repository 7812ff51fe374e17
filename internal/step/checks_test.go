package step

import (
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/template"
)

func newCheckExecutor(t *testing.T) *Executor {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	fs := afero.NewMemMapFs()
	templates := template.New(fs, data.NewRegistry(fs, logger), plan.FakerConfig{}, logger)
	return &Executor{templates: templates, logger: logger}
}

func jsonResponse(body string) *lib.HandlerResponse {
	return &lib.HandlerResponse{
		Success:    true,
		Status:     200,
		DurationMS: 42,
		RawBody:    []byte(body),
	}
}

func TestRunChecksAllPass(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{"user":{"id":42,"name":"alice"},"ok":true}`)

	checks := []plan.Check{
		{Kind: "status", Expected: float64(200)},
		{Kind: "response_time", Expected: float64(500)},
		{Kind: "json_path", Expression: "$.user.id", Expected: float64(42)},
		{Kind: "json_path", Expression: "$.user.name", Expected: "alice"},
		{Kind: "text_contains", Expected: `"ok":true`},
		{Kind: "regex", Expression: `"id":\d+`},
	}

	if failures := e.runChecks(checks, resp, lib.NewVUContext(1)); len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}
}

func TestRunChecksCollectsEveryFailure(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{"user":{"id":7}}`)
	resp.Status = 503
	resp.DurationMS = 900

	checks := []plan.Check{
		{Kind: "status", Expected: float64(200)},
		{Kind: "response_time", Expected: float64(500)},
		{Kind: "json_path", Expression: "$.user.id", Expected: float64(42)},
	}

	failures := e.runChecks(checks, resp, lib.NewVUContext(1))
	if len(failures) != 3 {
		t.Fatalf("failures = %v, want 3", failures)
	}
}

func TestStatusCheckStringExpected(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{}`)

	// Templated expectations arrive as strings; comparison is numeric.
	checks := []plan.Check{{Kind: "status", Expected: "200"}}
	if failures := e.runChecks(checks, resp, lib.NewVUContext(1)); len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
}

func TestJSONPathCheckMissingPath(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{"user":{}}`)

	checks := []plan.Check{{Kind: "json_path", Expression: "$.user.id", Expected: float64(1)}}
	failures := e.runChecks(checks, resp, lib.NewVUContext(1))
	if len(failures) != 1 || !strings.Contains(failures[0], "path not found") {
		t.Fatalf("failures = %v, want path not found", failures)
	}
}

func TestStatusCheckNotEquals(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{}`)
	resp.Status = 500

	checks := []plan.Check{{Kind: "status", Operator: "not_equals", Expected: float64(200)}}
	if failures := e.runChecks(checks, resp, lib.NewVUContext(1)); len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
}

func TestRegexCheckBadPattern(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`anything`)

	checks := []plan.Check{{Kind: "regex", Expression: `([`}}
	failures := e.runChecks(checks, resp, lib.NewVUContext(1))
	if len(failures) != 1 || !strings.Contains(failures[0], "bad pattern") {
		t.Fatalf("failures = %v, want bad pattern", failures)
	}
}

func TestCustomCheckTruthyExpression(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{}`)

	// A custom check with no expected value passes on a truthy rendered
	// expression. The expression arrives already rendered.
	pass := []plan.Check{{Kind: "custom", Expression: "ready"}}
	if failures := e.runChecks(pass, resp, lib.NewVUContext(1)); len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}

	fail := []plan.Check{{Kind: "custom", Expression: "false"}}
	if failures := e.runChecks(fail, resp, lib.NewVUContext(1)); len(failures) != 1 {
		t.Fatalf("failures = %v, want 1", failures)
	}
}

func TestCustomCheckComparesExpected(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{}`)

	checks := []plan.Check{{Kind: "custom", Expression: "premium", Expected: "premium"}}
	if failures := e.runChecks(checks, resp, lib.NewVUContext(1)); len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
}

func TestUnknownCheckKindFails(t *testing.T) {
	e := newCheckExecutor(t)
	resp := jsonResponse(`{}`)

	checks := []plan.Check{{Kind: "xpath", Expression: "//user"}}
	failures := e.runChecks(checks, resp, lib.NewVUContext(1))
	if len(failures) != 1 || !strings.Contains(failures[0], "unknown check type") {
		t.Fatalf("failures = %v", failures)
	}
}

func TestLessThanNeedsNumericOperands(t *testing.T) {
	if _, err := holds("fast", "less_than", float64(10)); err == nil {
		t.Fatal("expected error for non-numeric operand")
	}
}

func TestOperandsEqualMixedTypes(t *testing.T) {
	cases := []struct {
		a, b interface{}
		want bool
	}{
		{float64(200), "200", true},
		{"3.5", float64(3.5), true},
		{int(7), int64(7), true},
		{"alice", "alice", true},
		{"alice", "bob", false},
		{true, "true", true},
	}
	for _, tc := range cases {
		if got := operandsEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("operandsEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestEvaluateCondition(t *testing.T) {
	e := newCheckExecutor(t)

	vuCtx := lib.NewVUContext(3)
	vuCtx.SetVariable("count", float64(5))
	vuCtx.SetVariable("name", "alice")
	vuCtx.SetVariable("enabled", true)

	cases := []struct {
		condition string
		want      bool
	}{
		{"true", true},
		{"false", false},
		{"0", false},
		{"1", true},
		{"", false},
		{"{{enabled}}", true},
		{"{{missing_flag}}", false},
		{"{{count}} > 3", true},
		{"{{count}} < 3", false},
		{"{{count}} >= 5", true},
		{"{{count}} <= 4", false},
		{"{{count}} == 5", true},
		{"{{count}} != 5", false},
		{"{{name}} == alice", true},
		{"{{name}} == 'alice'", true},
		{"{{name}} != bob", true},
	}

	for _, tc := range cases {
		if got := e.evaluateCondition(tc.condition, vuCtx); got != tc.want {
			t.Errorf("evaluateCondition(%q) = %v, want %v", tc.condition, got, tc.want)
		}
	}
}
