package step

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// defaultOperators maps each check kind to the operator used when the plan
// leaves it unset.
var defaultOperators = map[string]string{
	"status":        "equals",
	"response_time": "less_than",
	"json_path":     "equals",
	"text_contains": "contains",
	"regex":         "matches",
	"custom":        "equals",
}

// runChecks evaluates every check and returns one failure message per failed
// check. All checks always run.
func (e *Executor) runChecks(checks []plan.Check, resp *lib.HandlerResponse, vuCtx *lib.VUContext) []string {
	var failures []string
	for i := range checks {
		if msg, ok := e.runCheck(&checks[i], resp, vuCtx); !ok {
			failures = append(failures, msg)
		}
	}
	return failures
}

func (e *Executor) runCheck(check *plan.Check, resp *lib.HandlerResponse, vuCtx *lib.VUContext) (string, bool) {
	op := check.Operator
	if op == "" {
		op = defaultOperators[check.Kind]
	}

	switch check.Kind {
	case "status":
		return compare("status", resp.Status, op, check.Expected)

	case "response_time":
		return compare("response_time", resp.DurationMS, op, check.Expected)

	case "json_path":
		result := gjson.GetBytes(resp.RawBody, toGjsonPath(check.Expression))
		if !result.Exists() {
			return fmt.Sprintf("json_path %s: path not found", check.Expression), false
		}
		return compare("json_path "+check.Expression, result.Value(), op, check.Expected)

	case "text_contains":
		return compare("text_contains", string(resp.RawBody), op, check.Expected)

	case "regex":
		pattern := check.Expression
		if pattern == "" {
			pattern = formatOperand(check.Expected)
		}
		return matchBody("regex", string(resp.RawBody), pattern)

	case "custom":
		// RenderStep already resolved the expression against the context.
		actual := check.Expression
		if check.Expected == nil {
			if truthy(actual) {
				return "", true
			}
			return fmt.Sprintf("custom %q: not truthy", actual), false
		}
		return compare("custom", actual, op, check.Expected)

	default:
		return fmt.Sprintf("unknown check type %q", check.Kind), false
	}
}

// compare applies an operator to actual and expected, returning a failure
// message when the check does not hold.
func compare(label string, actual interface{}, op string, expected interface{}) (string, bool) {
	ok, err := holds(actual, op, expected)
	if err != nil {
		return fmt.Sprintf("%s: %v", label, err), false
	}
	if !ok {
		return fmt.Sprintf("%s: got %v, want %s %v", label, actual, op, expected), false
	}
	return "", true
}

func holds(actual interface{}, op string, expected interface{}) (bool, error) {
	switch op {
	case "equals":
		return operandsEqual(actual, expected), nil
	case "not_equals":
		return !operandsEqual(actual, expected), nil
	case "less_than", "greater_than", "less_or_equal", "greater_or_equal":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, fmt.Errorf("%s needs numeric operands, got %v and %v", op, actual, expected)
		}
		switch op {
		case "less_than":
			return a < b, nil
		case "greater_than":
			return a > b, nil
		case "less_or_equal":
			return a <= b, nil
		default:
			return a >= b, nil
		}
	case "contains":
		return strings.Contains(formatOperand(actual), formatOperand(expected)), nil
	case "matches":
		re, err := regexp.Compile(formatOperand(expected))
		if err != nil {
			return false, fmt.Errorf("bad pattern: %v", err)
		}
		return re.MatchString(formatOperand(actual)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func matchBody(label, body, pattern string) (string, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("%s: bad pattern %q: %v", label, pattern, err), false
	}
	if !re.MatchString(body) {
		return fmt.Sprintf("%s: body does not match %q", label, pattern), false
	}
	return "", true
}

// operandsEqual compares numerically when both sides parse as numbers, so
// `"200" equals 200` holds regardless of which side came from a template.
func operandsEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return formatOperand(a) == formatOperand(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatOperand(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// conditionPattern splits a rendered condition into a binary comparison.
var conditionPattern = regexp.MustCompile(`^(.*?)\s*(==|!=|>=|<=|>|<)\s*(.*)$`)

// evaluateCondition renders a step condition and evaluates it. Unresolved
// tokens make the condition false, never an error.
func (e *Executor) evaluateCondition(condition string, vuCtx *lib.VUContext) bool {
	rendered, err := e.templates.Render(condition, vuCtx)
	if err != nil {
		e.logger.WithError(err).WithField("condition", condition).Warn("condition render failed")
		return false
	}
	rendered = strings.TrimSpace(rendered)
	if strings.Contains(rendered, "{{") {
		return false
	}

	if m := conditionPattern.FindStringSubmatch(rendered); m != nil {
		lhs, op, rhs := strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])
		lhs = strings.Trim(lhs, `'"`)
		rhs = strings.Trim(rhs, `'"`)
		ok, err := holds(lhs, comparisonOperators[op], rhs)
		if err != nil {
			return false
		}
		return ok
	}

	return truthy(rendered)
}

var comparisonOperators = map[string]string{
	"==": "equals",
	"!=": "not_equals",
	">":  "greater_than",
	"<":  "less_than",
	">=": "greater_or_equal",
	"<=": "less_or_equal",
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "null", "undefined":
		return false
	}
	return true
}
