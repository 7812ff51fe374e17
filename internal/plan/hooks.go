package plan

import (
	"encoding/json"

	"gopkg.in/guregu/null.v3"
)

// Hook is user-supplied logic attached to a lifecycle point. Exactly one of
// Script, File, or Steps should be set; a bare string in the document is
// shorthand for Script.
type Hook struct {
	// Script is inline code run in the hook sandbox.
	Script string `json:"script,omitempty"`

	// File is a path to a script loaded and run in the sandbox.
	File string `json:"file,omitempty"`

	// Steps are executed through the step executor with a synthetic
	// context.
	Steps []Step `json:"steps,omitempty"`

	// Timeout bounds sandbox execution. Default 30s.
	Timeout Duration `json:"timeout,omitempty"`

	// ContinueOnError controls failure propagation. Only an explicit false
	// aborts the enclosing scope.
	ContinueOnError null.Bool `json:"continueOnError,omitempty"`
}

// Hook kinds.
const (
	HookKindInline = "inline"
	HookKindFile   = "file"
	HookKindSteps  = "steps"
)

// Kind reports which variant this hook is, or "" for an empty hook.
func (h *Hook) Kind() string {
	switch {
	case h == nil:
		return ""
	case len(h.Steps) > 0:
		return HookKindSteps
	case h.File != "":
		return HookKindFile
	case h.Script != "":
		return HookKindInline
	default:
		return ""
	}
}

// Aborts reports whether a failure of this hook should abort the enclosing
// scope. Only an explicit continueOnError=false aborts.
func (h *Hook) Aborts() bool {
	return h != nil && h.ContinueOnError.Valid && !h.ContinueOnError.Bool
}

// UnmarshalJSON implements json.Unmarshaler, accepting a bare string as
// inline script shorthand.
func (h *Hook) UnmarshalJSON(b []byte) error {
	var script string
	if err := json.Unmarshal(b, &script); err == nil {
		h.Script = script
		return nil
	}

	type alias Hook
	var full alias
	if err := json.Unmarshal(b, &full); err != nil {
		return err
	}
	*h = Hook(full)
	return nil
}

// GlobalHooks are the test- and VU-level lifecycle hooks.
type GlobalHooks struct {
	BeforeTest *Hook `json:"beforeTest,omitempty"`
	AfterTest  *Hook `json:"afterTest,omitempty"`
	BeforeVU   *Hook `json:"beforeVU,omitempty"`
	TeardownVU *Hook `json:"teardownVU,omitempty"`
}

// ScenarioHooks fire around scenario passes and loop iterations.
type ScenarioHooks struct {
	BeforeScenario   *Hook `json:"beforeScenario,omitempty"`
	TeardownScenario *Hook `json:"teardownScenario,omitempty"`
	BeforeLoop       *Hook `json:"beforeLoop,omitempty"`
	AfterLoop        *Hook `json:"afterLoop,omitempty"`
}

// StepHooks fire around a single step execution.
type StepHooks struct {
	BeforeStep   *Hook `json:"beforeStep,omitempty"`
	TeardownStep *Hook `json:"teardownStep,omitempty"`
	OnStepError  *Hook `json:"onStepError,omitempty"`
}
