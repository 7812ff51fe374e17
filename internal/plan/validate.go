package plan

import "fmt"

var validCheckKinds = map[string]bool{
	"status": true, "response_time": true, "json_path": true,
	"text_contains": true, "regex": true, "custom": true,
}

var validExtractKinds = map[string]bool{
	"json_path": true, "regex": true, "header": true, "selector": true,
}

var validFakerLocales = map[string]bool{
	"": true, "en": true, "de": true, "fr": true, "es": true, "nl": true,
}

// Validate checks the plan's semantic invariants. It returns a *ConfigError
// naming the offending field, or nil. A plan that passes Validate is safe to
// hand to the runner.
func (p *TestPlan) Validate() error {
	if len(p.Load) == 0 {
		return &ConfigError{Field: "load", Message: "at least one load phase is required"}
	}
	for i := range p.Load {
		if err := p.Load[i].validate(fmt.Sprintf("load[%d]", i)); err != nil {
			return err
		}
	}

	if len(p.Scenarios) == 0 {
		return &ConfigError{Field: "scenarios", Message: "at least one scenario is required"}
	}
	seen := make(map[string]bool, len(p.Scenarios))
	for i := range p.Scenarios {
		sc := &p.Scenarios[i]
		field := fmt.Sprintf("scenarios[%d]", i)
		if sc.Name == "" {
			return &ConfigError{Field: field + ".name", Message: "scenario name is required"}
		}
		if seen[sc.Name] {
			return &ConfigError{Field: field + ".name", Message: fmt.Sprintf("duplicate scenario name %q", sc.Name)}
		}
		seen[sc.Name] = true
		if err := sc.validate(field); err != nil {
			return err
		}
	}

	if p.Global.CSVData != "" {
		if err := validateMode(p.Global.CSVMode, "global.csv_mode", true); err != nil {
			return err
		}
	}
	if !validFakerLocales[p.Global.Faker.Locale] {
		return &ConfigError{
			Field:   "global.faker.locale",
			Message: fmt.Sprintf("unsupported locale %q (want en, de, fr, es, or nl)", p.Global.Faker.Locale),
		}
	}

	for i := range p.Outputs {
		if p.Outputs[i].Type == "" {
			return &ConfigError{Field: fmt.Sprintf("outputs[%d].type", i), Message: "sink type is required"}
		}
	}

	return nil
}

func (ph *LoadPhase) validate(field string) error {
	switch ph.Pattern {
	case PatternBasic:
		if ph.Users <= 0 {
			return &ConfigError{Field: field + ".users", Message: "basic pattern requires users > 0"}
		}
		if ph.Duration <= 0 {
			return &ConfigError{Field: field + ".duration", Message: "basic pattern requires a duration"}
		}
	case PatternStepping:
		if len(ph.Steps) == 0 {
			return &ConfigError{Field: field + ".steps", Message: "stepping pattern requires non-empty steps"}
		}
		for i, st := range ph.Steps {
			if st.Users < 0 {
				return &ConfigError{Field: fmt.Sprintf("%s.steps[%d].users", field, i), Message: "users cannot be negative"}
			}
			if st.Duration <= 0 {
				return &ConfigError{Field: fmt.Sprintf("%s.steps[%d].duration", field, i), Message: "step duration is required"}
			}
		}
	case PatternArrivals:
		if ph.Rate <= 0 {
			return &ConfigError{Field: field + ".rate", Message: "arrivals pattern requires rate > 0"}
		}
		if ph.Duration <= 0 {
			return &ConfigError{Field: field + ".duration", Message: "arrivals pattern requires a duration"}
		}
	case "":
		return &ConfigError{Field: field + ".pattern", Message: "pattern is required"}
	default:
		return &ConfigError{
			Field:   field + ".pattern",
			Message: fmt.Sprintf("unknown pattern %q (want basic, stepping, or arrivals)", ph.Pattern),
		}
	}
	return nil
}

func (s *Scenario) validate(field string) error {
	if s.Weight.Valid && (s.Weight.Int64 < 0 || s.Weight.Int64 > 100) {
		return &ConfigError{Field: field + ".weight", Message: "weight must be within [0, 100]"}
	}
	if s.Loop.Valid && s.Loop.Int64 < 1 {
		return &ConfigError{Field: field + ".loop", Message: "loop must be a positive integer"}
	}

	if len(s.Steps) == 0 {
		return &ConfigError{Field: field + ".steps", Message: "scenario has no steps"}
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(fmt.Sprintf("%s.steps[%d]", field, i)); err != nil {
			return err
		}
	}

	if s.DataBinding != nil {
		if s.DataBinding.File == "" {
			return &ConfigError{Field: field + ".dataBinding.file", Message: "data binding requires a file"}
		}
		if err := validateMode(s.DataBinding.Mode, field+".dataBinding.mode", true); err != nil {
			return err
		}
	}
	return nil
}

func (st *Step) validate(field string) error {
	if st.Name == "" {
		return &ConfigError{Field: field + ".name", Message: "step name is required"}
	}
	if st.Type == "" {
		return &ConfigError{Field: field + ".type", Message: "step type is required"}
	}

	if st.Retry != nil {
		if st.Retry.MaxAttempts < 1 {
			return &ConfigError{Field: field + ".retry.maxAttempts", Message: "maxAttempts must be at least 1"}
		}
		switch st.Retry.Backoff {
		case "", "linear", "exponential":
		default:
			return &ConfigError{
				Field:   field + ".retry.backoff",
				Message: fmt.Sprintf("unknown backoff %q (want linear or exponential)", st.Retry.Backoff),
			}
		}
	}

	for i, c := range st.Checks {
		if !validCheckKinds[c.Kind] {
			return &ConfigError{
				Field:   fmt.Sprintf("%s.checks[%d].type", field, i),
				Message: fmt.Sprintf("unknown check type %q", c.Kind),
			}
		}
	}
	for i, e := range st.Extract {
		if e.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("%s.extract[%d].name", field, i), Message: "extraction name is required"}
		}
		if !validExtractKinds[e.Kind] {
			return &ConfigError{
				Field:   fmt.Sprintf("%s.extract[%d].type", field, i),
				Message: fmt.Sprintf("unknown extraction type %q", e.Kind),
			}
		}
	}
	return nil
}

func validateMode(mode, field string, allowEmpty bool) error {
	switch mode {
	case ModeNext, ModeUnique, ModeRandom:
		return nil
	case "":
		if allowEmpty {
			return nil
		}
	}
	return &ConfigError{
		Field:   field,
		Message: fmt.Sprintf("unknown data mode %q (want next, unique, or random)", mode),
	}
}
