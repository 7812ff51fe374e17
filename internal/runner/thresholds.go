package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// thresholdRe splits expressions like "p95 < 500" or "error_rate<=1".
var thresholdRe = regexp.MustCompile(`^([\w.]+)\s*([<>=!]+)\s*(.+)$`)

var thresholdOps = map[string]bool{
	"<": true, "<=": true, ">": true, ">=": true,
	"==": true, "=": true, "!=": true, "<>": true,
}

// parseThreshold splits one expression into metric, operator, and bound.
func parseThreshold(expr string) (metric, op, value string, err error) {
	m := thresholdRe.FindStringSubmatch(strings.TrimSpace(expr))
	if len(m) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %q", expr)
	}
	return strings.ToLower(m[1]), m[2], strings.TrimSpace(m[3]), nil
}

// ValidateThresholds rejects malformed expressions before a run starts, so a
// typo never surfaces only after minutes of load.
func ValidateThresholds(exprs []string) error {
	for i, expr := range exprs {
		field := fmt.Sprintf("thresholds[%d]", i)

		metric, op, value, err := parseThreshold(expr)
		if err != nil {
			return &plan.ConfigError{Field: field, Message: err.Error()}
		}
		if !knownThresholdMetric(metric) {
			return &plan.ConfigError{Field: field, Message: fmt.Sprintf("unknown metric %q", metric)}
		}
		if !thresholdOps[op] {
			return &plan.ConfigError{Field: field, Message: fmt.Sprintf("unknown operator %q", op)}
		}
		if _, err := thresholdBound(value); err != nil {
			return &plan.ConfigError{Field: field, Message: err.Error()}
		}
	}
	return nil
}

// evaluateThresholds scores every declared expression against the final
// summary. Expressions were validated at construction, so a parse failure
// here only marks that one threshold failed.
func evaluateThresholds(exprs []string, sum *lib.Summary) []lib.ThresholdResult {
	if len(exprs) == 0 {
		return nil
	}

	results := make([]lib.ThresholdResult, 0, len(exprs))
	for _, expr := range exprs {
		result := lib.ThresholdResult{Expression: expr}

		metric, op, value, err := parseThreshold(expr)
		if err != nil {
			results = append(results, result)
			continue
		}
		result.Metric = metric

		actual, ok := metricValue(sum, metric)
		bound, berr := thresholdBound(value)
		if ok && berr == nil {
			result.Actual = actual
			result.Passed = compare(actual, op, bound)
		}
		results = append(results, result)
	}
	return results
}

// failedThresholds filters verdicts down to the failures.
func failedThresholds(results []lib.ThresholdResult) []lib.ThresholdResult {
	var failed []lib.ThresholdResult
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

func knownThresholdMetric(metric string) bool {
	_, ok := metricValue(&lib.Summary{Percentiles: map[string]float64{}}, metric)
	return ok
}

// metricValue reads the named summary metric. Latency metrics are in
// milliseconds; rates are percentages in [0, 100].
func metricValue(sum *lib.Summary, metric string) (float64, bool) {
	switch metric {
	case "avg", "mean":
		return sum.AvgMS, true
	case "min":
		return sum.MinMS, true
	case "max":
		return sum.MaxMS, true
	case "p50", "p90", "p95", "p99", "p99.9", "p99.99", "med":
		if metric == "med" {
			metric = "p50"
		}
		return sum.Percentiles[metric], true
	case "error_rate":
		return 100 - sum.SuccessRate, true
	case "success_rate":
		return sum.SuccessRate, true
	case "rps", "rate":
		return sum.RPS, true
	case "requests", "count":
		return float64(sum.TotalRequests), true
	case "failed":
		return float64(sum.FailedRequests), true
	default:
		return 0, false
	}
}

// thresholdBound parses the right-hand side: a plain number, or a duration
// that converts to milliseconds ("500ms", "1s").
func thresholdBound(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if d, err := clock.ParseDuration(s); err == nil {
		return float64(d) / float64(time.Millisecond), nil
	}
	return 0, fmt.Errorf("threshold value %q is not a number or duration", s)
}

// compare applies the parsed operator.
func compare(actual float64, op string, bound float64) bool {
	switch op {
	case "<":
		return actual < bound
	case "<=":
		return actual <= bound
	case ">":
		return actual > bound
	case ">=":
		return actual >= bound
	case "==", "=":
		return actual == bound
	case "!=", "<>":
		return actual != bound
	default:
		return false
	}
}
