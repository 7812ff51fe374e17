package output

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// influxConfig is the influxdb sink configuration.
type influxConfig struct {
	Addr         string        `envconfig:"STAMPEDE_INFLUXDB_ADDR"`
	Database     string        `envconfig:"STAMPEDE_INFLUXDB_DB"`
	Username     string        `envconfig:"STAMPEDE_INFLUXDB_USERNAME"`
	Password     string        `envconfig:"STAMPEDE_INFLUXDB_PASSWORD"`
	Measurement  string        `envconfig:"STAMPEDE_INFLUXDB_MEASUREMENT"`
	PushInterval time.Duration `envconfig:"STAMPEDE_INFLUXDB_PUSH_INTERVAL"`
	Insecure     bool          `envconfig:"STAMPEDE_INFLUXDB_INSECURE"`
}

// InfluxSink buffers results and writes them as batch points on an
// interval. Creating the database is attempted once; failure there is
// usually harmless (non-admin user against an existing database).
type InfluxSink struct {
	cfg    influxConfig
	log    logrus.FieldLogger
	client client.Client

	mu      sync.Mutex
	buffer  []*lib.Result
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ lib.Sink = (*InfluxSink)(nil)

func newInfluxSink(o *plan.OutputConfig, logger logrus.FieldLogger) (*InfluxSink, error) {
	cfg := influxConfig{
		Addr:         o.Setting("url", "http://localhost:8086"),
		Database:     o.Setting("database", "stampede"),
		Username:     o.Setting("username", ""),
		Password:     o.Setting("password", ""),
		Measurement:  o.Setting("measurement", "request"),
		PushInterval: settingDuration(o, "push_interval", time.Second),
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("influxdb output: %w", err)
	}

	return &InfluxSink{
		cfg:    cfg,
		log:    logger.WithField("sink", "influxdb"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name implements lib.Sink.
func (s *InfluxSink) Name() string { return "influxdb" }

// Initialize implements lib.Sink: it connects, creates the database, and
// starts the push loop.
func (s *InfluxSink) Initialize() error {
	cl, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:               s.cfg.Addr,
		Username:           s.cfg.Username,
		Password:           s.cfg.Password,
		UserAgent:          "stampede",
		InsecureSkipVerify: s.cfg.Insecure,
	})
	if err != nil {
		return fmt.Errorf("influxdb client: %w", err)
	}
	s.client = cl

	if _, err := cl.Query(client.NewQuery("CREATE DATABASE "+s.cfg.Database, "", "")); err != nil {
		s.log.WithError(err).Debug("could not create database; most likely harmless")
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.loop()
	return nil
}

// WriteResult implements lib.Sink.
func (s *InfluxSink) WriteResult(r *lib.Result) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, r)
	s.mu.Unlock()
	return nil
}

// WriteSummary implements lib.Sink: the run totals land as a single point.
func (s *InfluxSink) WriteSummary(sum *lib.Summary) error {
	bp, err := s.newBatch()
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"total_requests": sum.TotalRequests,
		"failed":         sum.FailedRequests,
		"success_rate":   sum.SuccessRate,
		"avg_ms":         sum.AvgMS,
		"rps":            sum.RPS,
	}
	for name, v := range sum.Percentiles {
		fields[name+"_ms"] = v
	}

	pt, err := client.NewPoint("summary", map[string]string{"test": sum.TestName}, fields, time.Unix(0, sum.EndTime))
	if err != nil {
		return err
	}
	bp.AddPoint(pt)
	return s.client.Write(bp)
}

// Finalize implements lib.Sink: it stops the loop, pushes the remainder,
// and closes the connection.
func (s *InfluxSink) Finalize() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
		s.commit()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *InfluxSink) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.commit()
		case <-s.stopCh:
			return
		}
	}
}

// commit swaps the buffer out under the lock and writes it without holding
// the lock.
func (s *InfluxSink) commit() {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	bp, err := s.newBatch()
	if err != nil {
		s.log.WithError(err).Error("building batch failed")
		return
	}
	for _, r := range batch {
		pt, err := s.point(r)
		if err != nil {
			s.log.WithError(err).Debug("dropping point")
			continue
		}
		bp.AddPoint(pt)
	}

	start := time.Now()
	if err := s.client.Write(bp); err != nil {
		s.log.WithError(err).Error("write failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"points": len(bp.Points()),
		"t":      time.Since(start),
	}).Debug("batch written")
}

func (s *InfluxSink) newBatch() (client.BatchPoints, error) {
	return client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.cfg.Database,
		Precision: "ns",
	})
}

func (s *InfluxSink) point(r *lib.Result) (*client.Point, error) {
	tags := map[string]string{
		"scenario": r.Scenario,
		"step":     r.StepName,
		"success":  strconv.FormatBool(r.Success),
	}
	if r.Status != 0 {
		tags["status"] = strconv.Itoa(r.Status)
	}
	if r.ErrorKind != "" {
		tags["error_kind"] = r.ErrorKind
	}

	fields := map[string]interface{}{
		"duration_ms": r.DurationMS,
		"vu_id":       r.VUID,
		"iteration":   r.Iteration,
	}
	if r.BytesSent > 0 {
		fields["bytes_sent"] = r.BytesSent
	}
	if r.BytesReceived > 0 {
		fields["bytes_received"] = r.BytesReceived
	}
	if r.LatencyMS > 0 {
		fields["latency_first_byte_ms"] = r.LatencyMS
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}

	return client.NewPoint(s.cfg.Measurement, tags, fields, time.Unix(0, r.Timestamp))
}
