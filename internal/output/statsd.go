package output

import (
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// statsdConfig is the statsd sink configuration.
type statsdConfig struct {
	Addr       string `envconfig:"STAMPEDE_STATSD_ADDR"`
	Namespace  string `envconfig:"STAMPEDE_STATSD_NAMESPACE"`
	BufferSize int    `envconfig:"STAMPEDE_STATSD_BUFFER_SIZE"`
	EnableTags bool   `envconfig:"STAMPEDE_STATSD_ENABLE_TAGS"`
}

// StatsdSink pushes per-result timings and counters to a statsd daemon
// through a buffered client. Tagging is opt-in: plain statsd servers reject
// the datadog tag extension.
type StatsdSink struct {
	cfg    statsdConfig
	log    logrus.FieldLogger
	client *statsd.Client
}

var _ lib.Sink = (*StatsdSink)(nil)

func newStatsdSink(o *plan.OutputConfig, logger logrus.FieldLogger) (*StatsdSink, error) {
	cfg := statsdConfig{
		Addr:       o.Setting("address", "localhost:8125"),
		Namespace:  o.Setting("namespace", "stampede."),
		BufferSize: settingInt(o, "buffer_size", 20),
		EnableTags: settingBool(o, "enable_tags", false),
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("statsd output: %w", err)
	}

	return &StatsdSink{
		cfg: cfg,
		log: logger.WithField("sink", "statsd"),
	}, nil
}

// Name implements lib.Sink.
func (s *StatsdSink) Name() string { return "statsd" }

// Initialize implements lib.Sink.
func (s *StatsdSink) Initialize() error {
	cl, err := statsd.NewBuffered(s.cfg.Addr, s.cfg.BufferSize)
	if err != nil {
		return fmt.Errorf("statsd %s: %w", s.cfg.Addr, err)
	}
	cl.Namespace = s.cfg.Namespace
	s.client = cl
	return nil
}

// WriteResult implements lib.Sink.
func (s *StatsdSink) WriteResult(r *lib.Result) error {
	tags := s.tags(r)

	if err := s.client.TimeInMilliseconds("request.duration", r.DurationMS, tags, 1); err != nil {
		return err
	}
	if err := s.client.Count("request.total", 1, tags, 1); err != nil {
		return err
	}
	if !r.Success {
		return s.client.Count("request.errors", 1, tags, 1)
	}
	return nil
}

// WriteSummary implements lib.Sink.
func (s *StatsdSink) WriteSummary(sum *lib.Summary) error {
	if err := s.client.Gauge("summary.success_rate", sum.SuccessRate, nil, 1); err != nil {
		return err
	}
	if err := s.client.Gauge("summary.rps", sum.RPS, nil, 1); err != nil {
		return err
	}
	for name, v := range sum.Percentiles {
		if err := s.client.Gauge("summary."+name+"_ms", v, nil, 1); err != nil {
			return err
		}
	}
	return nil
}

// Finalize implements lib.Sink.
func (s *StatsdSink) Finalize() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Flush(); err != nil {
		s.log.WithError(err).Debug("flush failed")
	}
	return s.client.Close()
}

func (s *StatsdSink) tags(r *lib.Result) []string {
	if !s.cfg.EnableTags {
		return nil
	}
	tags := []string{
		"scenario:" + r.Scenario,
		"step:" + r.StepName,
	}
	if r.Status != 0 {
		tags = append(tags, fmt.Sprintf("status:%d", r.Status))
	}
	if r.ErrorKind != "" {
		tags = append(tags, "error_kind:"+r.ErrorKind)
	}
	return tags
}
