// Package lib holds the shared contracts of the load engine: the per-VU
// execution context, result and summary records, and the narrow interfaces
// implemented by protocol handlers and output sinks.
package lib

import (
	"strconv"
	"strings"
)

// VUContext is the mutable state a single virtual user threads through
// template rendering, step execution, and hooks.
//
// A context is owned by exactly one VU. Nothing in the engine shares a
// context across VUs, so access needs no locking.
type VUContext struct {
	// VUID is the 1-based identifier assigned by the load pattern.
	VUID int

	// Iteration is the 0-based loop iteration within the current scenario.
	Iteration int64

	// ScenarioName is the scenario currently executing.
	ScenarioName string

	// Variables holds scenario variables, data-binding columns, and
	// anything hooks set. Values are string|float64|bool|[]any|map[string]any.
	Variables map[string]interface{}

	// Extracted holds values captured from step responses.
	Extracted map[string]interface{}

	// CSVRow is the scenario-local data row, when a binding is configured.
	CSVRow map[string]string

	// GlobalRow is the test-global data row, when one is configured.
	GlobalRow map[string]string
}

// NewVUContext creates a context for the given VU id.
func NewVUContext(vuID int) *VUContext {
	return &VUContext{
		VUID:      vuID,
		Variables: make(map[string]interface{}),
		Extracted: make(map[string]interface{}),
	}
}

// SetVariable stores a value in the variable scope.
func (c *VUContext) SetVariable(name string, value interface{}) {
	c.Variables[name] = value
}

// Lookup resolves a dotted path across Variables, then Extracted, then the
// context root (vu_id, iteration, scenario). The second return is false when
// no segment matched.
func (c *VUContext) Lookup(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	if v, ok := walkPath(c.Variables, segments); ok {
		return v, true
	}
	if v, ok := walkPath(c.Extracted, segments); ok {
		return v, true
	}
	if len(segments) == 1 {
		switch segments[0] {
		case "vu_id":
			return c.VUID, true
		case "iteration":
			return c.Iteration, true
		case "scenario":
			return c.ScenarioName, true
		}
	}
	return nil, false
}

// Snapshot returns a merged single-map view of the context for hook and
// file-template rendering. Mutating the returned map does not affect the
// context.
func (c *VUContext) Snapshot() map[string]interface{} {
	merged := make(map[string]interface{}, len(c.Variables)+len(c.Extracted)+3)
	for k, v := range c.Variables {
		merged[k] = v
	}
	for k, v := range c.Extracted {
		merged[k] = v
	}
	merged["vu_id"] = c.VUID
	merged["iteration"] = c.Iteration
	merged["scenario"] = c.ScenarioName
	return merged
}

// walkPath descends maps and slices one segment at a time. Numeric segments
// index into slices.
func walkPath(root interface{}, segments []string) (interface{}, bool) {
	current := root
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			// A scalar with segments left over does not match.
			return nil, false
		}
	}
	return current, true
}
