// Package clock provides monotonic time, duration parsing, and the
// cancellable sleeps and think-time sampling the rest of the engine builds
// on.
package clock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Now returns the current time. The value carries Go's monotonic reading, so
// Since and Sub on it are immune to wall-clock jumps.
func Now() time.Time {
	return time.Now()
}

// NowNanos returns the current wall time in nanoseconds since the epoch.
func NowNanos() int64 {
	return time.Now().UnixNano()
}

// Since returns the monotonic elapsed time since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep pauses for d or until ctx is done, whichever comes first. It returns
// true when the full duration elapsed and false when the context fired.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// wordReplacements maps spelled-out units to Go duration suffixes. Plural
// forms must be replaced before singular ones.
var wordReplacements = []struct {
	word   string
	abbrev string
}{
	{"milliseconds", "ms"},
	{"millisecond", "ms"},
	{"seconds", "s"},
	{"second", "s"},
	{"minutes", "m"},
	{"minute", "m"},
	{"hours", "h"},
	{"hour", "h"},
}

// ParseDuration parses a duration scalar. It accepts Go duration syntax
// ("30s", "1h30m"), bare numbers meaning seconds ("30", "1.5"), and
// spelled-out forms ("30 seconds", "1 minute").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration cannot be empty")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	lowered := strings.ReplaceAll(strings.ToLower(s), " ", "")
	for _, r := range wordReplacements {
		lowered = strings.ReplaceAll(lowered, r.word, r.abbrev)
	}

	d, err := time.ParseDuration(lowered)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
