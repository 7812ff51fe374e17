// Package config loads test plan documents. A document may be YAML or JSON;
// both are normalized to JSON, checked against the embedded document schema,
// and then decoded into a plan.TestPlan for semantic validation.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/stampedehq/stampede/internal/plan"
)

// Load reads, validates, and decodes the plan document at path.
func Load(fs afero.Fs, path string, logger logrus.FieldLogger) (*plan.TestPlan, error) {
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("checking plan document: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("plan document not found: %s", path)
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading plan document: %w", err)
	}

	p, err := Parse(raw, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse validates and decodes one plan document. YAML is a superset of
// JSON, so a single normalization pass handles both syntaxes and the schema
// and the decoder see identical shapes.
func Parse(raw []byte, logger logrus.FieldLogger) (*plan.TestPlan, error) {
	doc, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var p plan.TestPlan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decoding plan document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"test":      p.Name,
		"phases":    len(p.Load),
		"scenarios": len(p.Scenarios),
	}).Debug("plan loaded")
	return &p, nil
}

// normalize converts a YAML or JSON document to canonical JSON bytes.
func normalize(raw []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &plan.ConfigError{Field: "document", Message: fmt.Sprintf("not valid YAML or JSON: %v", err)}
	}
	if doc == nil {
		return nil, &plan.ConfigError{Field: "document", Message: "document is empty"}
	}

	out, err := json.Marshal(jsonify(doc))
	if err != nil {
		return nil, fmt.Errorf("normalizing plan document: %w", err)
	}
	return out, nil
}

// jsonify rewrites YAML decode output into json.Marshal-safe values: map
// keys become strings and nested containers are rewritten recursively.
func jsonify(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = jsonify(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprintf("%v", k)] = jsonify(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = jsonify(val)
		}
		return t
	default:
		return v
	}
}
