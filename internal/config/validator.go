package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stampedehq/stampede/internal/plan"
)

// planSchema pins the document's structure and field types. Semantic rules
// (pattern constraints, enum values, cross-field requirements) live in
// plan.Validate, which reports them with friendlier messages, so the schema
// stays deliberately structural.
var planSchema = jsonschema.MustCompileString("plan.json", planSchemaDoc)

// validateDocument checks a normalized JSON document against the schema.
// Violations come back as a *plan.ConfigError naming the offending location.
func validateDocument(doc []byte) error {
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("parsing normalized document: %w", err)
	}

	err := planSchema.Validate(v)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return schemaError(verr)
	}
	return err
}

// schemaError flattens the validation cause tree into one ConfigError for
// the first leaf, noting how many more violations the document has.
func schemaError(err *jsonschema.ValidationError) error {
	leaves := leafCauses(err)
	first := leaves[0]

	msg := first.Message
	if len(leaves) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(leaves)-1)
	}
	return &plan.ConfigError{Field: fieldPath(first.InstanceLocation), Message: msg}
}

// leafCauses returns the errors with no children, depth-first. Those carry
// the actionable messages; interior nodes only say "doesn't validate".
func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range err.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}

// fieldPath converts a JSON pointer ("/load/0/users") into the dotted form
// config errors use ("load[0].users").
func fieldPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "document"
	}

	var b strings.Builder
	for _, part := range strings.Split(pointer, "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const planSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "stampede test plan",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "global": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "headers": {"$ref": "#/$defs/stringMap"},
        "timeout": {"$ref": "#/$defs/duration"},
        "think_time": {"$ref": "#/$defs/thinkTime"},
        "faker": {
          "type": "object",
          "properties": {
            "locale": {"type": "string"},
            "seed": {"type": "integer"}
          }
        },
        "csv_data": {"type": "string"},
        "csv_mode": {"type": "string"}
      }
    },
    "load": {
      "oneOf": [
        {"$ref": "#/$defs/loadPhase"},
        {"type": "array", "items": {"$ref": "#/$defs/loadPhase"}}
      ]
    },
    "scenarios": {
      "type": "array",
      "items": {"$ref": "#/$defs/scenario"}
    },
    "outputs": {
      "type": "array",
      "items": {"$ref": "#/$defs/output"}
    },
    "report": {
      "type": "object",
      "properties": {
        "generate": {"type": "boolean"},
        "output": {"type": "string"}
      }
    },
    "debug": {
      "type": "object",
      "properties": {
        "log_level": {"type": "string"},
        "capture_response_body": {"type": "boolean"},
        "capture_response_headers": {"type": "boolean"},
        "capture_request_body": {"type": "boolean"},
        "capture_request_headers": {"type": "boolean"},
        "capture_only_failures": {"type": "boolean"},
        "max_response_body_size": {"type": "integer"}
      }
    },
    "hooks": {
      "type": "object",
      "properties": {
        "beforeTest": {"$ref": "#/$defs/hook"},
        "afterTest": {"$ref": "#/$defs/hook"},
        "beforeVU": {"$ref": "#/$defs/hook"},
        "teardownVU": {"$ref": "#/$defs/hook"}
      }
    },
    "thresholds": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "$defs": {
    "duration": {"type": ["string", "number"]},
    "thinkTime": {"type": ["string", "number"]},
    "stringMap": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "loadPhase": {
      "type": "object",
      "properties": {
        "pattern": {"type": "string"},
        "users": {"type": "integer"},
        "rate": {"type": "number"},
        "duration": {"$ref": "#/$defs/duration"},
        "rampUp": {"$ref": "#/$defs/duration"},
        "vu_duration": {"$ref": "#/$defs/duration"},
        "steps": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "users": {"type": "integer"},
              "duration": {"$ref": "#/$defs/duration"},
              "rampUp": {"$ref": "#/$defs/duration"}
            }
          }
        }
      }
    },
    "scenario": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "weight": {"type": "integer"},
        "loop": {"type": "integer"},
        "thinkTime": {"$ref": "#/$defs/thinkTime"},
        "variables": {"type": "object"},
        "steps": {
          "type": "array",
          "items": {"$ref": "#/$defs/step"}
        },
        "hooks": {
          "type": "object",
          "properties": {
            "beforeScenario": {"$ref": "#/$defs/hook"},
            "teardownScenario": {"$ref": "#/$defs/hook"},
            "beforeLoop": {"$ref": "#/$defs/hook"},
            "afterLoop": {"$ref": "#/$defs/hook"}
          }
        },
        "dataBinding": {
          "type": "object",
          "properties": {
            "file": {"type": "string"},
            "mode": {"type": "string"},
            "variables": {"$ref": "#/$defs/stringMap"},
            "cycleOnExhaustion": {"type": "boolean"},
            "delimiter": {"type": "string"}
          }
        }
      }
    },
    "step": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "type": {"type": "string"},
        "condition": {"type": "string"},
        "continueOnError": {"type": "boolean"},
        "retry": {
          "type": "object",
          "properties": {
            "maxAttempts": {"type": "integer"},
            "delay": {"$ref": "#/$defs/duration"},
            "backoff": {"type": "string"}
          }
        },
        "timeout": {"$ref": "#/$defs/duration"},
        "thinkTime": {"$ref": "#/$defs/thinkTime"},
        "checks": {
          "type": "array",
          "items": {"$ref": "#/$defs/check"}
        },
        "extract": {
          "type": "array",
          "items": {"$ref": "#/$defs/extraction"}
        },
        "hooks": {
          "type": "object",
          "properties": {
            "beforeStep": {"$ref": "#/$defs/hook"},
            "teardownStep": {"$ref": "#/$defs/hook"},
            "onStepError": {"$ref": "#/$defs/hook"}
          }
        }
      }
    },
    "check": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "operator": {"type": "string"},
        "expression": {"type": "string"}
      }
    },
    "extraction": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "type": {"type": "string"},
        "expression": {"type": "string"},
        "default": {"type": "string"}
      }
    },
    "hook": {
      "oneOf": [
        {"type": "string"},
        {
          "type": "object",
          "properties": {
            "script": {"type": "string"},
            "file": {"type": "string"},
            "steps": {
              "type": "array",
              "items": {"$ref": "#/$defs/step"}
            },
            "timeout": {"$ref": "#/$defs/duration"},
            "continueOnError": {"type": "boolean"}
          }
        }
      ]
    },
    "output": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "enabled": {"type": "boolean"}
      }
    }
  }
}`
