// Package plan defines the validated test plan model the engine consumes.
//
// The config loader normalizes YAML and JSON documents into JSON before
// decoding, so the types here carry json tags only.
package plan

import (
	"encoding/json"
	"fmt"

	"gopkg.in/guregu/null.v3"
)

// Load pattern names.
const (
	PatternBasic    = "basic"
	PatternStepping = "stepping"
	PatternArrivals = "arrivals"
)

// Data binding modes.
const (
	ModeNext   = "next"
	ModeUnique = "unique"
	ModeRandom = "random"
)

// TestPlan is the root of one test. It is immutable after load: the runner
// owns it for the duration of a run and nothing mutates it.
type TestPlan struct {
	// Name identifies the test in summaries and sink output.
	Name string `json:"name"`

	// Global holds defaults and test-wide settings.
	Global GlobalConfig `json:"global,omitempty"`

	// Load is the ordered schedule of load phases. A document may supply a
	// single phase object or an array.
	Load LoadSchedule `json:"load"`

	// Scenarios are selected by weight on every VU pass.
	Scenarios []Scenario `json:"scenarios"`

	// Outputs configures result sinks. Disabled entries are skipped.
	Outputs []OutputConfig `json:"outputs,omitempty"`

	// Report controls the post-run summary file.
	Report ReportConfig `json:"report,omitempty"`

	// Debug is the verbosity and capture envelope forwarded to handlers.
	Debug DebugConfig `json:"debug,omitempty"`

	// Hooks are the test- and VU-level lifecycle hooks.
	Hooks GlobalHooks `json:"hooks,omitempty"`

	// Thresholds are pass/fail expressions evaluated against the summary,
	// e.g. "p95 < 500" or "error_rate < 1".
	Thresholds []string `json:"thresholds,omitempty"`
}

// GlobalConfig carries test-wide defaults. BaseURL, Headers, and Timeout are
// passed opaquely to protocol handlers.
type GlobalConfig struct {
	BaseURL string            `json:"base_url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`

	// ThinkTime is the test-wide default pause between steps. Numbers mean
	// seconds; strings are durations or ranges ("1-3s").
	ThinkTime interface{} `json:"think_time,omitempty"`

	// Faker configures synthetic data generation.
	Faker FakerConfig `json:"faker,omitempty"`

	// CSVData and CSVMode configure the test-global data provider.
	CSVData string `json:"csv_data,omitempty"`
	CSVMode string `json:"csv_mode,omitempty"`
}

// FakerConfig controls the template engine's synthetic data.
type FakerConfig struct {
	// Locale is one of en, de, fr, es, nl. Default en.
	Locale string `json:"locale,omitempty"`

	// Seed fixes generation for reproducible runs when set.
	Seed null.Int `json:"seed,omitempty"`
}

// LoadSchedule accepts either a single phase object or an array of phases.
type LoadSchedule []LoadPhase

// UnmarshalJSON implements json.Unmarshaler.
func (s *LoadSchedule) UnmarshalJSON(b []byte) error {
	var phases []LoadPhase
	if err := json.Unmarshal(b, &phases); err == nil {
		*s = phases
		return nil
	}

	var single LoadPhase
	if err := json.Unmarshal(b, &single); err != nil {
		return fmt.Errorf("load must be a phase or an array of phases: %w", err)
	}
	*s = LoadSchedule{single}
	return nil
}

// LoadPhase is one element of the load schedule.
type LoadPhase struct {
	// Pattern is basic, stepping, or arrivals.
	Pattern string `json:"pattern"`

	// Users is the VU count for basic phases.
	Users int `json:"users,omitempty"`

	// Rate is mean VU arrivals per second for arrivals phases.
	Rate float64 `json:"rate,omitempty"`

	// Duration bounds the phase.
	Duration Duration `json:"duration,omitempty"`

	// RampUp spreads VU creation linearly for basic phases.
	RampUp Duration `json:"rampUp,omitempty"`

	// VUDuration caps each spawned VU's lifetime in arrivals phases.
	VUDuration Duration `json:"vu_duration,omitempty"`

	// Steps is the staircase for stepping phases.
	Steps []LoadStep `json:"steps,omitempty"`
}

// LoadStep is one tread of a stepping phase's staircase.
type LoadStep struct {
	Users    int      `json:"users"`
	Duration Duration `json:"duration"`
	RampUp   Duration `json:"rampUp,omitempty"`
}

// OutputConfig describes one sink. Keys other than type and enabled are
// sink-specific settings.
type OutputConfig struct {
	Type     string                 `json:"type"`
	Enabled  *bool                  `json:"enabled,omitempty"`
	Settings map[string]interface{} `json:"-"`
}

// IsEnabled reports whether the sink should be constructed. Absent means
// enabled.
func (o *OutputConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Setting returns a string-typed sink setting, or fallback when absent.
func (o *OutputConfig) Setting(key, fallback string) string {
	if v, ok := o.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// UnmarshalJSON implements json.Unmarshaler, collecting unrecognized keys
// into Settings.
func (o *OutputConfig) UnmarshalJSON(b []byte) error {
	type alias OutputConfig
	var known alias
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	delete(all, "type")
	delete(all, "enabled")

	*o = OutputConfig(known)
	o.Settings = all
	return nil
}

// ReportConfig controls the post-run summary report file.
type ReportConfig struct {
	Generate bool   `json:"generate,omitempty"`
	Output   string `json:"output,omitempty"`
}

// DebugConfig is the verbosity and capture envelope. It is forwarded to
// protocol handlers verbatim.
type DebugConfig struct {
	LogLevel               string `json:"log_level,omitempty"`
	CaptureResponseBody    bool   `json:"capture_response_body,omitempty"`
	CaptureResponseHeaders bool   `json:"capture_response_headers,omitempty"`
	CaptureRequestBody     bool   `json:"capture_request_body,omitempty"`
	CaptureRequestHeaders  bool   `json:"capture_request_headers,omitempty"`
	CaptureOnlyFailures    bool   `json:"capture_only_failures,omitempty"`
	MaxResponseBodySize    int    `json:"max_response_body_size,omitempty"`
}

// ConfigError reports an invalid plan field. Config errors surface before
// the test starts and are fatal.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}
