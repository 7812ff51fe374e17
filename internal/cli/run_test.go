package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/runner"
)

// smokePlan is small enough to finish in well under a second. Wait steps
// need no protocol handler, so the command runs it as-is.
const smokePlan = `
name: cli-smoke
load:
  pattern: basic
  users: 2
  duration: 250ms
scenarios:
  - name: main
    steps:
      - name: pause
        type: wait
        ms: 5
`

func writePlan(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writePlan(t, smokePlan)

	out, err := execute(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "valid (1 load phase(s), 1 scenario(s))") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestValidateCommandRejectsBadPlan(t *testing.T) {
	path := writePlan(t, `
name: broken
load:
  pattern: basic
  users: 0
  duration: 10s
scenarios:
  - name: main
    steps:
      - name: pause
        type: wait
        ms: 5
`)

	_, err := execute(t, "validate", path)
	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("want a config error, got %v", err)
	}
	if cerr.Field != "load[0].users" {
		t.Errorf("field = %q, want load[0].users", cerr.Field)
	}
}

func TestValidateCommandRejectsBadThreshold(t *testing.T) {
	path := writePlan(t, smokePlan+`
thresholds:
  - "p42 < 100"
`)

	_, err := execute(t, "validate", path)
	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("want a config error, got %v", err)
	}
	if cerr.Field != "thresholds[0]" {
		t.Errorf("field = %q, want thresholds[0]", cerr.Field)
	}
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want a not-found error, got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	path := writePlan(t, smokePlan)
	report := filepath.Join(t.TempDir(), "out", "report.json")

	out, err := execute(t, "run", "--quiet", "--no-color", "--report", report, path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "cli-smoke - completed") {
		t.Errorf("missing summary header in output: %q", out)
	}
	if !strings.Contains(out, "Success rate:") {
		t.Errorf("missing success rate in output: %q", out)
	}

	raw, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"test_name": "cli-smoke"`)) {
		t.Errorf("report missing test name: %s", raw)
	}
}

func TestRunCommandThresholdFailure(t *testing.T) {
	path := writePlan(t, smokePlan+`
thresholds:
  - "p95 < 0"
`)

	out, err := execute(t, "run", "--quiet", "--no-color", path)
	var terr *runner.ThresholdError
	if !errors.As(err, &terr) {
		t.Fatalf("want a threshold error, got %v", err)
	}
	if got := exitCode(err); got != exitThresholds {
		t.Errorf("exit code = %d, want %d", got, exitThresholds)
	}
	if !strings.Contains(out, "Thresholds:") {
		t.Errorf("missing thresholds section in output: %q", out)
	}
}

func TestRunCommandMissingPlan(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want a not-found error, got %v", err)
	}
}
