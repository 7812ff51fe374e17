// Package template resolves {{...}} placeholders in step payloads against a
// VU's execution context.
//
// Placeholder classes are evaluated in a fixed order so earlier classes can
// feed later ones: environment, csv data, file templates, faker paths,
// helpers, then context variables. Unknown tokens stay literal and log a
// warning; only malformed helper syntax fails a render.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

var (
	envPattern    = regexp.MustCompile(`\{\{\s*env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	csvPattern    = regexp.MustCompile(`\{\{\s*csv:([^}|]+?)\s*(?:\|\s*([^}]*?))?\s*\}\}`)
	filePattern   = regexp.MustCompile(`\{\{\s*template:([^}|]+?)\s*(?:\|\s*([^}]*?))?\s*\}\}`)
	fakerPattern  = regexp.MustCompile(`\{\{\s*faker\.([A-Za-z][A-Za-z0-9.]*)\s*\}\}`)
	helperPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9]*)\(([^)]*)\)\s*\}\}`)
	varPattern    = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)
)

// Engine renders placeholder templates. One engine serves every VU of a run;
// all of its methods are safe for concurrent callers.
type Engine struct {
	fs     afero.Fs
	data   *data.Registry
	faker  *fakerSource
	logger logrus.FieldLogger
}

// New creates an engine over the given filesystem and shared data registry.
func New(fs afero.Fs, registry *data.Registry, faker plan.FakerConfig, logger logrus.FieldLogger) *Engine {
	return &Engine{
		fs:     fs,
		data:   registry,
		faker:  newFakerSource(faker, logger),
		logger: logger,
	}
}

// renderState carries per-render caches: rows pinned by unique and random
// csv placeholders, and the faker instance shared by every faker token of
// one render.
type renderState struct {
	rows  map[string]data.Row
	faker *gofakeit.Faker
}

func newRenderState() *renderState {
	return &renderState{rows: make(map[string]data.Row)}
}

// Render resolves every placeholder in tmpl against the VU context. Unknown
// tokens are kept literal; the only error is malformed helper syntax, and
// even then the returned string is the best-effort render with the bad
// token left literal, so callers may log and proceed.
func (e *Engine) Render(tmpl string, vuCtx *lib.VUContext) (string, error) {
	return e.render(tmpl, vuCtx, newRenderState())
}

func (e *Engine) render(s string, vuCtx *lib.VUContext, st *renderState) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	s = e.renderEnv(s)
	s = e.renderCSV(s, vuCtx, st)
	s = e.renderFiles(s, vuCtx)
	s = e.renderFaker(s, vuCtx, st)
	s, err := e.renderHelpers(s)
	return e.renderVars(s, vuCtx), err
}

// RenderStep returns a copy of step with its protocol payload deep-rendered
// and its check operands resolved. Structural fields (name, type, condition,
// retry, extraction expressions) pass through untouched. Row-pinning csv
// placeholders stay stable across every string of the step. Like Render, a
// helper syntax error comes back alongside the best-effort copy.
func (e *Engine) RenderStep(step *plan.Step, vuCtx *lib.VUContext) (*plan.Step, error) {
	st := newRenderState()
	rendered := *step
	var firstErr error

	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if step.Payload != nil {
		v, err := e.renderValue(step.Payload, vuCtx, st)
		keep(err)
		rendered.Payload = v.(map[string]interface{})
	}

	if len(step.Checks) > 0 {
		checks := make([]plan.Check, len(step.Checks))
		copy(checks, step.Checks)
		for i := range checks {
			if expected, ok := checks[i].Expected.(string); ok {
				r, err := e.render(expected, vuCtx, st)
				keep(err)
				checks[i].Expected = r
			}
			if checks[i].Kind == "custom" && checks[i].Expression != "" {
				r, err := e.render(checks[i].Expression, vuCtx, st)
				keep(err)
				checks[i].Expression = r
			}
		}
		rendered.Checks = checks
	}

	return &rendered, firstErr
}

// renderValue walks an arbitrary payload value, rendering every string leaf.
// The walk keeps going past a helper error; the first one is returned with
// the completed value.
func (e *Engine) renderValue(v interface{}, vuCtx *lib.VUContext, st *renderState) (interface{}, error) {
	switch node := v.(type) {
	case string:
		return e.render(node, vuCtx, st)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		var firstErr error
		for k, val := range node {
			r, err := e.renderValue(val, vuCtx, st)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[k] = r
		}
		return out, firstErr
	case []interface{}:
		out := make([]interface{}, len(node))
		var firstErr error
		for i, val := range node {
			r, err := e.renderValue(val, vuCtx, st)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[i] = r
		}
		return out, firstErr
	default:
		return v, nil
	}
}

// renderEnv substitutes {{env.NAME}} with the process environment value,
// empty when unset.
func (e *Engine) renderEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := envPattern.FindStringSubmatch(token)[1]
		return os.Getenv(name)
	})
}

// renderVars substitutes {{name}} and {{obj.path}} tokens by dotted lookup
// across variables, extracted data, and the context root, with the __VU and
// __ITER specials as a fallback. Misses keep the token literal.
func (e *Engine) renderVars(s string, vuCtx *lib.VUContext) string {
	return varPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := varPattern.FindStringSubmatch(token)[1]

		// env and faker tokens that survived their own pass stay as-is.
		if strings.HasPrefix(name, "env.") || strings.HasPrefix(name, "faker.") {
			return token
		}

		if v, ok := vuCtx.Lookup(name); ok {
			return formatValue(v)
		}

		switch name {
		case "__VU":
			return strconv.Itoa(vuCtx.VUID)
		case "__ITER":
			return strconv.FormatInt(vuCtx.Iteration, 10)
		}

		e.logger.WithField("token", name).Warn("unresolved template token")
		return token
	})
}

// formatValue renders a context value as a string. Composite values are
// emitted as compact JSON.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// parseTokenOptions parses the |k=v,k=v option tail of csv and template
// tokens. A comma inside a value (a comma delimiter, say) folds back into
// the preceding key.
func parseTokenOptions(raw string) map[string]string {
	opts := make(map[string]string)
	if raw == "" {
		return opts
	}

	var lastKey string
	for _, part := range strings.Split(raw, ",") {
		if eq := strings.Index(part, "="); eq >= 0 {
			key := strings.TrimSpace(part[:eq])
			opts[key] = strings.TrimSpace(part[eq+1:])
			lastKey = key
		} else if lastKey != "" {
			opts[lastKey] += "," + part
		}
	}
	return opts
}
