package plan

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStepUnmarshalSplitsPayload(t *testing.T) {
	doc := `{
		"name": "get users",
		"type": "rest",
		"url": "https://api.example.com/users",
		"method": "GET",
		"timeout": "5s",
		"continueOnError": false,
		"checks": [{"type": "status", "expected": 200}],
		"headers": {"Accept": "application/json"}
	}`

	var step Step
	if err := json.Unmarshal([]byte(doc), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if step.Name != "get users" || step.Type != "rest" {
		t.Errorf("known fields not decoded: %+v", step)
	}
	if step.Timeout.D() != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", step.Timeout.D())
	}
	if !step.Aborts() {
		t.Error("explicit continueOnError=false should abort")
	}
	if len(step.Checks) != 1 || step.Checks[0].Kind != "status" {
		t.Errorf("checks not decoded: %+v", step.Checks)
	}

	// Protocol fields end up in Payload, engine fields do not.
	if step.Payload["url"] != "https://api.example.com/users" {
		t.Errorf("url missing from payload: %v", step.Payload)
	}
	if step.Payload["method"] != "GET" {
		t.Errorf("method missing from payload: %v", step.Payload)
	}
	if _, ok := step.Payload["checks"]; ok {
		t.Error("checks leaked into payload")
	}
	if _, ok := step.Payload["name"]; ok {
		t.Error("name leaked into payload")
	}
}

func TestStepMarshalRoundTrip(t *testing.T) {
	original := Step{
		Name: "post order",
		Type: "rest",
		Payload: map[string]interface{}{
			"url":    "/orders",
			"method": "POST",
		},
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Step
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Payload["url"] != "/orders" || decoded.Payload["method"] != "POST" {
		t.Errorf("payload lost in round trip: %v", decoded.Payload)
	}
}

func TestLoadScheduleSingleOrArray(t *testing.T) {
	var single LoadSchedule
	if err := json.Unmarshal([]byte(`{"pattern":"basic","users":5,"duration":"30s"}`), &single); err != nil {
		t.Fatalf("single phase: %v", err)
	}
	if len(single) != 1 || single[0].Users != 5 {
		t.Errorf("single phase decoded wrong: %+v", single)
	}

	var many LoadSchedule
	arr := `[{"pattern":"basic","users":1,"duration":"10s"},{"pattern":"arrivals","rate":2,"duration":"10s"}]`
	if err := json.Unmarshal([]byte(arr), &many); err != nil {
		t.Fatalf("phase array: %v", err)
	}
	if len(many) != 2 || many[1].Pattern != PatternArrivals {
		t.Errorf("phase array decoded wrong: %+v", many)
	}
}

func TestHookStringShorthand(t *testing.T) {
	var h Hook
	if err := json.Unmarshal([]byte(`"setVariable('a', 1)"`), &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Kind() != HookKindInline || h.Script == "" {
		t.Errorf("string shorthand should be inline, got kind %q", h.Kind())
	}

	var file Hook
	if err := json.Unmarshal([]byte(`{"file":"hooks/setup.js","continueOnError":false}`), &file); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if file.Kind() != HookKindFile {
		t.Errorf("kind = %q, want file", file.Kind())
	}
	if !file.Aborts() {
		t.Error("explicit continueOnError=false should abort")
	}

	var unset Hook
	if unset.Aborts() {
		t.Error("absent continueOnError must not abort")
	}
}

func TestDurationForms(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90 seconds"`), &d); err != nil {
		t.Fatalf("worded form: %v", err)
	}
	if d.D() != 90*time.Second {
		t.Errorf("got %v, want 90s", d.D())
	}

	if err := json.Unmarshal([]byte(`2.5`), &d); err != nil {
		t.Fatalf("numeric form: %v", err)
	}
	if d.D() != 2500*time.Millisecond {
		t.Errorf("got %v, want 2.5s", d.D())
	}

	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("boolean duration should fail")
	}
}

func TestScenarioDefaults(t *testing.T) {
	var sc Scenario
	if sc.EffectiveWeight() != 100 {
		t.Errorf("default weight = %d, want 100", sc.EffectiveWeight())
	}
	if sc.LoopCount() != 1 {
		t.Errorf("default loop = %d, want 1", sc.LoopCount())
	}

	b := DataBinding{}
	if !b.Cycle() {
		t.Error("cycleOnExhaustion should default to true")
	}
	if b.EffectiveMode() != ModeNext {
		t.Errorf("default mode = %q, want next", b.EffectiveMode())
	}
}
