package clock

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// thinkTimeFallback brackets the uniform sample used when a think-time value
// cannot be parsed.
const (
	thinkTimeFallbackMin = 1000 * time.Millisecond
	thinkTimeFallbackMax = 3000 * time.Millisecond
)

// ThinkTime is a parsed think-time: a fixed pause when Min == Max, otherwise
// a uniform range sampled in whole milliseconds.
type ThinkTime struct {
	Min time.Duration
	Max time.Duration
}

// Sample draws a duration from the think-time. rng must not be shared across
// VUs without synchronization.
func (t ThinkTime) Sample(rng *rand.Rand) time.Duration {
	if t.Max <= t.Min {
		return t.Min
	}
	minMS := t.Min.Milliseconds()
	maxMS := t.Max.Milliseconds()
	return time.Duration(minMS+rng.Int63n(maxMS-minMS+1)) * time.Millisecond
}

// ParseThinkTime parses a raw think-time value from the plan. Numbers mean
// seconds. Strings are a single duration ("5s", "500ms") or a range
// ("1-3s", "100-500ms") sampled uniformly in milliseconds.
func ParseThinkTime(raw interface{}) (ThinkTime, error) {
	switch v := raw.(type) {
	case nil:
		return ThinkTime{}, fmt.Errorf("think time is not set")
	case int:
		return fixedThinkTime(float64(v))
	case int64:
		return fixedThinkTime(float64(v))
	case float64:
		return fixedThinkTime(v)
	case string:
		return parseThinkTimeString(v)
	default:
		return ThinkTime{}, fmt.Errorf("unsupported think time type %T", raw)
	}
}

// SampleThinkTime parses and samples in one call, applying the documented
// fallback: on a parse failure it warns and samples uniformly from
// [1000ms, 3000ms].
func SampleThinkTime(raw interface{}, rng *rand.Rand, logger logrus.FieldLogger) time.Duration {
	tt, err := ParseThinkTime(raw)
	if err != nil {
		if logger != nil {
			logger.WithField("think_time", raw).Warn("unparseable think time, sampling 1-3s")
		}
		tt = ThinkTime{Min: thinkTimeFallbackMin, Max: thinkTimeFallbackMax}
	}
	return tt.Sample(rng)
}

func fixedThinkTime(seconds float64) (ThinkTime, error) {
	if seconds < 0 {
		return ThinkTime{}, fmt.Errorf("think time cannot be negative")
	}
	d := time.Duration(seconds * float64(time.Second))
	return ThinkTime{Min: d, Max: d}, nil
}

func parseThinkTimeString(s string) (ThinkTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ThinkTime{}, fmt.Errorf("think time cannot be empty")
	}

	// A lone duration.
	if d, err := ParseDuration(s); err == nil {
		if d < 0 {
			return ThinkTime{}, fmt.Errorf("think time cannot be negative")
		}
		return ThinkTime{Min: d, Max: d}, nil
	}

	// A range: "1-3s" or "100-500ms". The left side inherits the right
	// side's unit when it has none.
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return ThinkTime{}, fmt.Errorf("invalid think time %q", s)
	}
	right := strings.TrimSpace(parts[1])
	left := strings.TrimSpace(parts[0])

	max, err := ParseDuration(right)
	if err != nil {
		return ThinkTime{}, fmt.Errorf("invalid think time range %q", s)
	}

	min, err := ParseDuration(left + unitSuffix(right))
	if err != nil {
		// The left side may carry its own unit ("500ms-2s").
		min, err = ParseDuration(left)
		if err != nil {
			return ThinkTime{}, fmt.Errorf("invalid think time range %q", s)
		}
	}

	if min < 0 || max < min {
		return ThinkTime{}, fmt.Errorf("invalid think time range %q", s)
	}
	return ThinkTime{Min: min, Max: max}, nil
}

// unitSuffix returns the trailing unit letters of a duration string, e.g.
// "ms" for "500ms".
func unitSuffix(s string) string {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		i--
	}
	return s[i:]
}
