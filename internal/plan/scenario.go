package plan

import (
	"encoding/json"

	"gopkg.in/guregu/null.v3"
)

// Scenario is an ordered script of steps with optional variables, loop
// count, hooks, and a data binding.
type Scenario struct {
	Name string `json:"name"`

	// Weight is the inclusion probability in percent. Absent means 100.
	Weight null.Int `json:"weight,omitempty"`

	// Loop is how many times the step list runs per scenario pass. Absent
	// means 1.
	Loop null.Int `json:"loop,omitempty"`

	// ThinkTime overrides the global default for this scenario.
	ThinkTime interface{} `json:"thinkTime,omitempty"`

	// Variables are copied into the VU context at the start of each pass.
	Variables map[string]interface{} `json:"variables,omitempty"`

	Steps []Step `json:"steps"`

	Hooks ScenarioHooks `json:"hooks,omitempty"`

	// DataBinding attaches a tabular data source to the scenario.
	DataBinding *DataBinding `json:"dataBinding,omitempty"`
}

// EffectiveWeight returns the inclusion probability in percent, defaulting
// to 100 and clamped to [0, 100].
func (s *Scenario) EffectiveWeight() int {
	if !s.Weight.Valid {
		return 100
	}
	w := int(s.Weight.Int64)
	if w < 0 {
		return 0
	}
	if w > 100 {
		return 100
	}
	return w
}

// LoopCount returns the loop count, defaulting to 1.
func (s *Scenario) LoopCount() int {
	if !s.Loop.Valid || s.Loop.Int64 < 1 {
		return 1
	}
	return int(s.Loop.Int64)
}

// DataBinding attaches a CSV data source to a scenario or to the whole test.
type DataBinding struct {
	// File is the data source path.
	File string `json:"file"`

	// Mode is next, unique, or random. Default next.
	Mode string `json:"mode,omitempty"`

	// Variables remaps source columns to exported variable names.
	Variables map[string]string `json:"variables,omitempty"`

	// CycleOnExhaustion controls wrap-around. Absent means true.
	CycleOnExhaustion *bool `json:"cycleOnExhaustion,omitempty"`

	// Delimiter forces a field separator; auto-detected when empty.
	Delimiter string `json:"delimiter,omitempty"`
}

// EffectiveMode returns the binding mode, defaulting to next.
func (b *DataBinding) EffectiveMode() string {
	if b.Mode == "" {
		return ModeNext
	}
	return b.Mode
}

// Cycle reports whether the cursor wraps at the end of the pool. Absent
// means true.
func (b *DataBinding) Cycle() bool {
	return b.CycleOnExhaustion == nil || *b.CycleOnExhaustion
}

// stepKnownKeys are the step fields the engine interprets. Everything else
// in a step document is protocol payload.
var stepKnownKeys = []string{
	"name", "type", "condition", "continueOnError", "retry",
	"timeout", "thinkTime", "checks", "extract", "hooks",
}

// Step is one protocol operation plus its checks, extractions, and hooks.
// Protocol-specific fields live in Payload, opaque to the engine.
type Step struct {
	Name string `json:"name"`

	// Type selects the protocol handler: rest, soap, web, wait, custom.
	Type string `json:"type"`

	// Condition skips the step when it evaluates false.
	Condition string `json:"condition,omitempty"`

	// ContinueOnError controls failure propagation. Absent means true:
	// a failed step is recorded but does not abort the scenario.
	ContinueOnError null.Bool `json:"continueOnError,omitempty"`

	Retry *Retry `json:"retry,omitempty"`

	// Timeout is the step's effective timeout, used for the post-execution
	// verification-timeout check and forwarded to handlers.
	Timeout Duration `json:"timeout,omitempty"`

	// ThinkTime overrides scenario and global defaults after this step.
	ThinkTime interface{} `json:"thinkTime,omitempty"`

	// Payload holds the protocol fields (url, method, body, ...) verbatim.
	Payload map[string]interface{} `json:"-"`

	Checks  []Check      `json:"checks,omitempty"`
	Extract []Extraction `json:"extract,omitempty"`
	Hooks   StepHooks    `json:"hooks,omitempty"`
}

// Aborts reports whether a failure of this step should abort the scenario
// pass. Only an explicit continueOnError=false aborts.
func (s *Step) Aborts() bool {
	return s.ContinueOnError.Valid && !s.ContinueOnError.Bool
}

// UnmarshalJSON implements json.Unmarshaler, collecting protocol fields
// into Payload.
func (s *Step) UnmarshalJSON(b []byte) error {
	type alias Step
	var known alias
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range stepKnownKeys {
		delete(all, k)
	}

	*s = Step(known)
	s.Payload = all
	return nil
}

// MarshalJSON implements json.Marshaler, flattening Payload back into the
// document.
func (s Step) MarshalJSON() ([]byte, error) {
	type alias Step
	b, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for k, v := range s.Payload {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// Retry configures per-step retries.
type Retry struct {
	// MaxAttempts caps total attempts, including the first. Default 1.
	MaxAttempts int `json:"maxAttempts"`

	// Delay is the base pause between attempts.
	Delay Duration `json:"delay,omitempty"`

	// Backoff is linear or exponential. Default exponential.
	Backoff string `json:"backoff,omitempty"`
}

// Check is a post-condition on a step's response.
type Check struct {
	// Kind is status, response_time, json_path, text_contains, regex, or
	// custom.
	Kind string `json:"type"`

	// Operator compares actual to expected: equals, not_equals, less_than,
	// greater_than, contains, matches. Defaults per kind.
	Operator string `json:"operator,omitempty"`

	// Expected is the comparison operand.
	Expected interface{} `json:"expected,omitempty"`

	// Expression locates the actual value for json_path and custom checks,
	// and holds the pattern for regex checks.
	Expression string `json:"expression,omitempty"`
}

// Extraction captures a value from a response into the VU context.
type Extraction struct {
	Name string `json:"name"`

	// Kind is json_path, regex, header, or selector.
	Kind string `json:"type"`

	Expression string `json:"expression"`

	// Default is stored when the expression matches nothing. A nil Default
	// on a miss logs a warning and stores nothing.
	Default *string `json:"default,omitempty"`
}
