// Package metrics implements the streaming metrics collector: concurrent
// result ingestion, running aggregates, a bounded reservoir for percentile
// estimation, and batched flushing to downstream sinks.
package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/lib"
)

// Config controls collector behavior.
type Config struct {
	// ReservoirSize caps the percentile sample.
	ReservoirSize int

	// MaxStored caps the verbatim result list used for per-step stats, the
	// timeline, and the snapshot file. Beyond it only aggregates update.
	MaxStored int

	// BatchSize triggers a flush when the pending buffer reaches it.
	BatchSize int

	// FlushInterval triggers time-based flushes. Zero disables the timer.
	FlushInterval time.Duration

	// HardCap forces a flush regardless of BatchSize to bound memory.
	HardCap int

	// ResultsFile appends every result as NDJSON when set.
	ResultsFile string

	// SnapshotFile is overwritten with the full stored result list as a
	// JSON array on every flush when set.
	SnapshotFile string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ReservoirSize: 10000,
		MaxStored:     50000,
		BatchSize:     100,
		FlushInterval: time.Second,
		HardCap:       1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReservoirSize <= 0 {
		c.ReservoirSize = d.ReservoirSize
	}
	if c.MaxStored <= 0 {
		c.MaxStored = d.MaxStored
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.HardCap <= 0 {
		c.HardCap = d.HardCap
	}
	return c
}

// detailKey groups failures for the error taxonomy.
type detailKey struct {
	scenario string
	step     string
	status   int
	message  string
}

// runningStats are the always-accurate aggregates. n_total is authoritative:
// it never drops a result even when the reservoir and stored list are full.
type runningStats struct {
	nTotal   int64
	nSuccess int64
	nFail    int64

	sumDuration float64
	minDuration float64
	maxDuration float64

	bytesSent     int64
	bytesReceived int64

	statusCounts map[int]int64
	errorCounts  map[string]int64
	errorDetails map[detailKey]*lib.ErrorDetail
}

func newRunningStats() runningStats {
	return runningStats{
		minDuration:  -1,
		statusCounts: make(map[int]int64),
		errorCounts:  make(map[string]int64),
		errorDetails: make(map[detailKey]*lib.ErrorDetail),
	}
}

// Collector ingests results from every VU concurrently and flushes batches
// to sinks and files. One collector serves one test run.
type Collector struct {
	cfg      Config
	testName string
	logger   logrus.FieldLogger

	sinks      []lib.Sink
	resultsLog *resultsLog
	snapshot   *snapshotWriter

	mu        sync.Mutex
	stats     runningStats
	reservoir *Reservoir
	stored    []*lib.Result
	vuStarts  []lib.VUStartEvent
	pending   []*lib.Result

	startNs int64
	endNs   int64

	started  bool
	flushCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector writing to the given sinks. Files are
// created on the provided filesystem when configured.
func NewCollector(cfg Config, testName string, sinks []lib.Sink, fs afero.Fs, logger logrus.FieldLogger) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		cfg:       cfg,
		testName:  testName,
		logger:    logger,
		sinks:     sinks,
		stats:     newRunningStats(),
		reservoir: NewReservoir(cfg.ReservoirSize, clock.NowNanos()),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	if cfg.ResultsFile != "" {
		c.resultsLog = newResultsLog(fs, cfg.ResultsFile, logger)
	}
	if cfg.SnapshotFile != "" {
		c.snapshot = newSnapshotWriter(fs, cfg.SnapshotFile, logger)
	}
	return c
}

// Start marks the test start and launches the flush loop.
func (c *Collector) Start() {
	c.startNs = clock.NowNanos()
	c.started = true
	if c.resultsLog != nil {
		if err := c.resultsLog.open(); err != nil {
			c.logger.WithError(err).Error("results file disabled")
			c.resultsLog = nil
		}
	}
	go c.run()
}

// StartNanos returns the recorded test start time.
func (c *Collector) StartNanos() int64 { return c.startNs }

// RecordResult ingests one result. Safe for concurrent callers. The whole
// update runs under a single critical section.
func (c *Collector) RecordResult(r *lib.Result) {
	c.mu.Lock()

	s := &c.stats
	s.nTotal++
	if r.Success {
		s.nSuccess++
		s.sumDuration += r.DurationMS
		if s.minDuration < 0 || r.DurationMS < s.minDuration {
			s.minDuration = r.DurationMS
		}
		if r.DurationMS > s.maxDuration {
			s.maxDuration = r.DurationMS
		}
	} else {
		s.nFail++
		s.errorCounts[r.Error]++
		key := detailKey{scenario: r.Scenario, step: r.StepName, status: r.Status, message: r.Error}
		if d, ok := s.errorDetails[key]; ok {
			d.Count++
		} else {
			s.errorDetails[key] = &lib.ErrorDetail{
				Scenario:  r.Scenario,
				StepName:  r.StepName,
				Status:    r.Status,
				Message:   r.Error,
				Count:     1,
				FirstSeen: r.Timestamp,
			}
		}
	}
	if r.Status != 0 {
		s.statusCounts[r.Status]++
	}
	s.bytesSent += r.BytesSent
	s.bytesReceived += r.BytesReceived

	c.reservoir.Add(r.DurationMS, s.nTotal)

	if len(c.stored) < c.cfg.MaxStored {
		c.stored = append(c.stored, r)
	}

	c.pending = append(c.pending, r)
	needFlush := len(c.pending) >= c.cfg.BatchSize || len(c.pending) >= c.cfg.HardCap

	c.mu.Unlock()

	if needFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// RecordVUStart records one VU creation, in the order the load pattern made
// them.
func (c *Collector) RecordVUStart(vuID int) {
	event := lib.VUStartEvent{VUID: vuID, Timestamp: clock.NowNanos()}
	c.mu.Lock()
	c.vuStarts = append(c.vuStarts, event)
	c.mu.Unlock()
}

// TotalResults returns the authoritative result count so far.
func (c *Collector) TotalResults() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.nTotal
}

// run is the batch flush loop. Flushes execute here sequentially, so
// Finalize can await completion by waiting for this goroutine.
func (c *Collector) run() {
	var tickCh <-chan time.Time
	if c.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-tickCh:
			c.flush()
		case <-c.flushCh:
			c.flush()
		case <-c.stopCh:
			c.flush()
			close(c.doneCh)
			return
		}
	}
}

// flush takes the pending buffer under the lock, then writes it out without
// holding the lock. Each target is best-effort: a failure logs and never
// aborts the test.
func (c *Collector) flush() {
	c.mu.Lock()
	batch := c.pending
	// Shrink the next buffer toward the recent batch size so a burst does
	// not pin memory for the whole run.
	c.pending = make([]*lib.Result, 0, (len(batch)+c.cfg.BatchSize)/2)
	stored := c.stored[:len(c.stored)]
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if c.resultsLog != nil {
		if err := c.resultsLog.append(batch); err != nil {
			c.logger.WithError(err).Warn("results file write failed")
		}
	}

	for _, sink := range c.sinks {
		if err := writeBatch(sink, batch); err != nil {
			c.logger.WithError(&lib.SinkError{Sink: sink.Name(), Err: err}).Warn("sink write failed")
		}
	}

	if c.snapshot != nil {
		if err := c.snapshot.write(stored); err != nil {
			c.logger.WithError(err).Warn("snapshot write failed")
		}
	}
}

func writeBatch(sink lib.Sink, batch []*lib.Result) error {
	for _, r := range batch {
		if err := sink.WriteResult(r); err != nil {
			return err
		}
	}
	return nil
}

// Finalize stops the flush loop, drains the pending buffer, and returns
// once all in-flight flushes complete. Safe to call more than once.
func (c *Collector) Finalize() {
	if !c.started {
		return
	}
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.endNs = clock.NowNanos()
		c.mu.Unlock()
		close(c.stopCh)
	})
	<-c.doneCh
	if c.resultsLog != nil {
		c.resultsLog.close()
		c.resultsLog = nil
	}
}

// GetSummary builds the end-of-test summary from the current aggregates.
// It is safe to call while ingestion is still running, though it is
// normally called after Finalize.
func (c *Collector) GetSummary() *lib.Summary {
	c.mu.Lock()
	statsCopy := c.stats
	reservoir := c.reservoir.Values()
	stored := c.stored[:len(c.stored)]
	vuStarts := make([]lib.VUStartEvent, len(c.vuStarts))
	copy(vuStarts, c.vuStarts)
	statusCounts := make(map[int]int64, len(c.stats.statusCounts))
	for k, v := range c.stats.statusCounts {
		statusCounts[k] = v
	}
	errorCounts := make(map[string]int64, len(c.stats.errorCounts))
	for k, v := range c.stats.errorCounts {
		errorCounts[k] = v
	}
	details := make([]lib.ErrorDetail, 0, len(c.stats.errorDetails))
	for _, d := range c.stats.errorDetails {
		details = append(details, *d)
	}
	endNs := c.endNs
	c.mu.Unlock()

	statsCopy.statusCounts = statusCounts
	statsCopy.errorCounts = errorCounts

	if endNs == 0 {
		endNs = clock.NowNanos()
	}
	return buildSummary(c.testName, statsCopy, reservoir, stored, details, vuStarts, c.startNs, endNs)
}
