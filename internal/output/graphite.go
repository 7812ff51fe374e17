package output

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// graphiteConfig is the graphite sink configuration.
type graphiteConfig struct {
	Address      string        `envconfig:"STAMPEDE_GRAPHITE_ADDRESS"`
	Prefix       string        `envconfig:"STAMPEDE_GRAPHITE_PREFIX"`
	PushInterval time.Duration `envconfig:"STAMPEDE_GRAPHITE_PUSH_INTERVAL"`
	DialTimeout  time.Duration `envconfig:"STAMPEDE_GRAPHITE_DIAL_TIMEOUT"`
}

// GraphiteSink sends results over the plaintext TCP protocol: one
// "<path> <value> <timestamp>" line per metric. Lines buffer in memory and
// flush on an interval; a broken connection is re-dialed on the next flush.
type GraphiteSink struct {
	cfg graphiteConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	conn    net.Conn
	lines   []string
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ lib.Sink = (*GraphiteSink)(nil)

func newGraphiteSink(o *plan.OutputConfig, logger logrus.FieldLogger) (*GraphiteSink, error) {
	cfg := graphiteConfig{
		Address:      o.Setting("address", "localhost:2003"),
		Prefix:       o.Setting("prefix", "stampede"),
		PushInterval: settingDuration(o, "push_interval", time.Second),
		DialTimeout:  settingDuration(o, "dial_timeout", 5*time.Second),
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("graphite output: %w", err)
	}

	return &GraphiteSink{
		cfg:    cfg,
		log:    logger.WithField("sink", "graphite"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name implements lib.Sink.
func (s *GraphiteSink) Name() string { return "graphite" }

// Initialize implements lib.Sink.
func (s *GraphiteSink) Initialize() error {
	conn, err := net.DialTimeout("tcp", s.cfg.Address, s.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("graphite %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.started = true
	s.mu.Unlock()

	go s.loop()
	return nil
}

// WriteResult implements lib.Sink.
func (s *GraphiteSink) WriteResult(r *lib.Result) error {
	ts := r.Timestamp / int64(time.Second)
	base := fmt.Sprintf("%s.%s.%s", s.cfg.Prefix, sanitizeMetric(r.Scenario), sanitizeMetric(r.StepName))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = append(s.lines, fmt.Sprintf("%s.duration_ms %.3f %d", base, r.DurationMS, ts))
	if r.Success {
		s.lines = append(s.lines, fmt.Sprintf("%s.success 1 %d", base, ts))
	} else {
		s.lines = append(s.lines, fmt.Sprintf("%s.failure 1 %d", base, ts))
	}
	return nil
}

// WriteSummary implements lib.Sink.
func (s *GraphiteSink) WriteSummary(sum *lib.Summary) error {
	ts := sum.EndTime / int64(time.Second)
	base := s.cfg.Prefix + ".summary"

	s.mu.Lock()
	s.lines = append(s.lines,
		fmt.Sprintf("%s.total_requests %d %d", base, sum.TotalRequests, ts),
		fmt.Sprintf("%s.failed_requests %d %d", base, sum.FailedRequests, ts),
		fmt.Sprintf("%s.success_rate %.2f %d", base, sum.SuccessRate, ts),
		fmt.Sprintf("%s.rps %.2f %d", base, sum.RPS, ts),
		fmt.Sprintf("%s.avg_ms %.3f %d", base, sum.AvgMS, ts),
	)
	for name, v := range sum.Percentiles {
		s.lines = append(s.lines, fmt.Sprintf("%s.%s_ms %.3f %d", base, sanitizeMetric(name), v, ts))
	}
	s.mu.Unlock()

	return s.flush()
}

// Finalize implements lib.Sink.
func (s *GraphiteSink) Finalize() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}

	err := s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
		s.conn = nil
	}
	return err
}

func (s *GraphiteSink) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.log.WithError(err).Error("flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *GraphiteSink) flush() error {
	s.mu.Lock()
	lines := s.lines
	s.lines = nil
	conn := s.conn
	s.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}
	if conn == nil {
		redialed, err := net.DialTimeout("tcp", s.cfg.Address, s.cfg.DialTimeout)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = redialed
		s.mu.Unlock()
		conn = redialed
	}

	if _, err := conn.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		s.mu.Lock()
		s.conn.Close()
		s.conn = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

// sanitizeMetric makes a name safe inside a dotted graphite path.
func sanitizeMetric(name string) string {
	if name == "" {
		return "unnamed"
	}
	r := strings.NewReplacer(" ", "_", ".", "_", "/", "_", "\t", "_")
	return r.Replace(name)
}
