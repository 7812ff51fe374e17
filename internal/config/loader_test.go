package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/plan"
)

func loadDoc(t *testing.T, doc string) (*plan.TestPlan, error) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "plan.yaml", []byte(doc), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
	logger, _ := logtest.NewNullLogger()
	return Load(fs, "plan.yaml", logger)
}

func TestLoadYAMLDocument(t *testing.T) {
	doc := `
name: checkout flow
global:
  base_url: https://shop.example.com
  headers:
    X-Env: staging
  think_time: 0.5
  faker:
    locale: de
    seed: 42
load:
  pattern: basic
  users: 10
  duration: 2m
  rampUp: 30s
scenarios:
  - name: buyer
    weight: 80
    loop: 3
    variables:
      coupon: SAVE10
    dataBinding:
      file: users.csv
      mode: unique
      cycleOnExhaustion: false
    steps:
      - name: add to cart
        type: rest
        url: /cart
        method: POST
        checks:
          - type: status
            expected: 201
  - name: browser
    steps:
      - name: home
        type: rest
        url: /
outputs:
  - type: json
    path: results.json
  - type: console
    enabled: false
hooks:
  beforeTest: "console.log('warming up')"
thresholds:
  - p95 < 500
  - error_rate < 1
report:
  generate: true
  output: out/summary.json
`
	p, err := loadDoc(t, doc)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if p.Name != "checkout flow" {
		t.Errorf("name = %q", p.Name)
	}
	if len(p.Load) != 1 {
		t.Fatalf("single load object should become a one-phase schedule, got %d", len(p.Load))
	}
	phase := p.Load[0]
	if phase.Pattern != plan.PatternBasic || phase.Users != 10 {
		t.Errorf("phase = %+v", phase)
	}
	if phase.Duration.D() != 2*time.Minute || phase.RampUp.D() != 30*time.Second {
		t.Errorf("durations = %v, %v", phase.Duration, phase.RampUp)
	}

	if len(p.Scenarios) != 2 {
		t.Fatalf("scenarios = %d, want 2", len(p.Scenarios))
	}
	buyer := p.Scenarios[0]
	if buyer.EffectiveWeight() != 80 || buyer.LoopCount() != 3 {
		t.Errorf("buyer weight/loop = %d/%d", buyer.EffectiveWeight(), buyer.LoopCount())
	}
	if p.Scenarios[1].EffectiveWeight() != 100 {
		t.Errorf("absent weight should default to 100, got %d", p.Scenarios[1].EffectiveWeight())
	}
	if buyer.DataBinding == nil || buyer.DataBinding.File != "users.csv" || buyer.DataBinding.Cycle() {
		t.Errorf("dataBinding = %+v", buyer.DataBinding)
	}

	step := buyer.Steps[0]
	if step.Payload["url"] != "/cart" || step.Payload["method"] != "POST" {
		t.Errorf("protocol fields should land in Payload, got %v", step.Payload)
	}
	if _, ok := step.Payload["checks"]; ok {
		t.Error("checks is an engine field and must not leak into Payload")
	}
	if len(step.Checks) != 1 || step.Checks[0].Kind != "status" {
		t.Errorf("checks = %+v", step.Checks)
	}

	if len(p.Outputs) != 2 || p.Outputs[0].Setting("path", "") != "results.json" {
		t.Errorf("outputs = %+v", p.Outputs)
	}
	if p.Outputs[1].IsEnabled() {
		t.Error("console output was disabled")
	}

	if p.Hooks.BeforeTest == nil || p.Hooks.BeforeTest.Script != "console.log('warming up')" {
		t.Errorf("bare-string hook should become inline script, got %+v", p.Hooks.BeforeTest)
	}
	if len(p.Thresholds) != 2 {
		t.Errorf("thresholds = %v", p.Thresholds)
	}
	if !p.Report.Generate || p.Report.Output != "out/summary.json" {
		t.Errorf("report = %+v", p.Report)
	}
	if p.Global.Faker.Locale != "de" || p.Global.Faker.Seed.Int64 != 42 {
		t.Errorf("faker = %+v", p.Global.Faker)
	}
}

func TestLoadJSONDocument(t *testing.T) {
	doc := `{
  "name": "api smoke",
  "load": [{"pattern": "arrivals", "rate": 2.5, "duration": "10s", "vu_duration": "5s"}],
  "scenarios": [
    {"name": "ping", "steps": [{"name": "health", "type": "rest", "url": "/healthz"}]}
  ]
}`
	p, err := loadDoc(t, doc)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if p.Load[0].Pattern != plan.PatternArrivals || p.Load[0].Rate != 2.5 {
		t.Errorf("phase = %+v", p.Load[0])
	}
	if p.Load[0].VUDuration.D() != 5*time.Second {
		t.Errorf("vu_duration = %v", p.Load[0].VUDuration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	_, err := Load(afero.NewMemMapFs(), "nope.yaml", logger)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	_, err := Parse(nil, logger)

	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *plan.ConfigError", err)
	}
	if !strings.Contains(cerr.Message, "empty") {
		t.Errorf("message = %q", cerr.Message)
	}
}

func TestParseMalformedDocument(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	_, err := Parse([]byte("{{{::"), logger)

	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *plan.ConfigError", err)
	}
}

func TestParseSchemaViolation(t *testing.T) {
	doc := `
name: bad types
load:
  pattern: basic
  users: 3
  duration: 10s
scenarios:
  - name: 7
    steps:
      - name: one
        type: rest
`
	_, err := loadDoc(t, doc)

	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *plan.ConfigError", err)
	}
	if cerr.Field != "scenarios[0].name" {
		t.Errorf("field = %q, want scenarios[0].name", cerr.Field)
	}
}

func TestParseSemanticViolation(t *testing.T) {
	doc := `
name: zero users
load:
  pattern: basic
  users: 0
  duration: 10s
scenarios:
  - name: s
    steps:
      - name: one
        type: rest
`
	_, err := loadDoc(t, doc)

	var cerr *plan.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *plan.ConfigError", err)
	}
	if cerr.Field != "load[0].users" {
		t.Errorf("field = %q, want load[0].users", cerr.Field)
	}
}

func TestParseBadDuration(t *testing.T) {
	doc := `
name: bad duration
load:
  pattern: basic
  users: 1
  duration: banana
scenarios:
  - name: s
    steps:
      - name: one
        type: rest
`
	_, err := loadDoc(t, doc)
	if err == nil || !strings.Contains(err.Error(), "decoding") {
		t.Fatalf("err = %v, want decode failure", err)
	}
}

func TestJsonify(t *testing.T) {
	in := map[interface{}]interface{}{
		1:      "one",
		"list": []interface{}{map[interface{}]interface{}{true: "yes"}},
	}

	out, ok := jsonify(in).(map[string]interface{})
	if !ok {
		t.Fatalf("jsonify returned %T", jsonify(in))
	}
	if out["1"] != "one" {
		t.Errorf("int key not stringified: %v", out)
	}
	inner := out["list"].([]interface{})[0].(map[string]interface{})
	if inner["true"] != "yes" {
		t.Errorf("nested key not stringified: %v", inner)
	}
}
