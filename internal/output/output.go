// Package output implements the result sinks: console progress, csv and
// json files, and the remote backends (InfluxDB, Graphite, StatsD, webhook).
// Sinks receive batches from the metrics collector's flush loop; a sink
// failure is logged and isolated, never propagated into the test.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// Files are the collector-side writer paths extracted from the plan's json
// output entries: an NDJSON results stream and a live snapshot array.
type Files struct {
	Results  string
	Snapshot string
}

// VUSource reports the number of currently live VUs. The runner attaches it
// to sinks that render live progress.
type VUSource interface {
	SetVUSource(func() int)
}

// Build constructs one sink per enabled output entry. The json entry maps to
// collector-side file writers instead of a sink: format ndjson (the default)
// sets the results stream, format array or a snapshot key sets the snapshot
// file.
func Build(p *plan.TestPlan, fs afero.Fs, logger logrus.FieldLogger) ([]lib.Sink, Files, error) {
	var (
		sinks []lib.Sink
		files Files
	)

	for i := range p.Outputs {
		o := &p.Outputs[i]
		if !o.IsEnabled() {
			continue
		}

		switch strings.ToLower(o.Type) {
		case "json":
			switch format := o.Setting("format", "ndjson"); format {
			case "ndjson":
				files.Results = o.Setting("path", "stampede-results.json")
			case "array":
				files.Snapshot = o.Setting("path", "stampede-results.json")
			default:
				return nil, files, fmt.Errorf("json output: unknown format %q", format)
			}
			if snap := o.Setting("snapshot", ""); snap != "" {
				files.Snapshot = snap
			}

		case "csv":
			s, err := newCSVSink(o, fs, logger)
			if err != nil {
				return nil, files, err
			}
			sinks = append(sinks, s)

		case "influxdb":
			s, err := newInfluxSink(o, logger)
			if err != nil {
				return nil, files, err
			}
			sinks = append(sinks, s)

		case "graphite":
			s, err := newGraphiteSink(o, logger)
			if err != nil {
				return nil, files, err
			}
			sinks = append(sinks, s)

		case "statsd":
			s, err := newStatsdSink(o, logger)
			if err != nil {
				return nil, files, err
			}
			sinks = append(sinks, s)

		case "webhook":
			s, err := newWebhookSink(o, logger)
			if err != nil {
				return nil, files, err
			}
			sinks = append(sinks, s)

		default:
			return nil, files, fmt.Errorf("unknown output type %q", o.Type)
		}
	}

	return sinks, files, nil
}

// settingInt reads an integer sink setting; json numbers arrive as float64.
func settingInt(o *plan.OutputConfig, key string, fallback int) int {
	switch v := o.Settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// settingFloat reads a float sink setting.
func settingFloat(o *plan.OutputConfig, key string, fallback float64) float64 {
	switch v := o.Settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// settingBool reads a boolean sink setting.
func settingBool(o *plan.OutputConfig, key string, fallback bool) bool {
	if v, ok := o.Settings[key].(bool); ok {
		return v
	}
	return fallback
}

// settingDuration reads a duration sink setting: a string in duration
// syntax or a number of seconds.
func settingDuration(o *plan.OutputConfig, key string, fallback time.Duration) time.Duration {
	switch v := o.Settings[key].(type) {
	case string:
		d, err := clock.ParseDuration(v)
		if err != nil {
			return fallback
		}
		return d
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return fallback
	}
}

// settingStrings reads a string map setting, for webhook headers and tag
// sets.
func settingStrings(o *plan.OutputConfig, key string) map[string]string {
	raw, ok := o.Settings[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
