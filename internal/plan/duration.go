package plan

import (
	"encoding/json"
	"time"

	"github.com/stampedehq/stampede/internal/clock"
)

// Duration is a time.Duration that unmarshals from the plan document's
// duration scalars: strings in Go or spelled-out syntax, or bare numbers
// meaning seconds.
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// GetDuration returns the duration, or defaultValue when unset.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*d = 0
		return nil
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := clock.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return &ConfigError{Field: "duration", Message: "must be a string or a number of seconds"}
	}
}
