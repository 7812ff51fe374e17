package output

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// csvConfig is the csv sink configuration, filled from the output entry's
// settings and overridable from the environment.
type csvConfig struct {
	Path      string `envconfig:"STAMPEDE_CSV_PATH"`
	Delimiter string `envconfig:"STAMPEDE_CSV_DELIMITER"`
	Gzip      bool   `envconfig:"STAMPEDE_CSV_GZIP"`
}

// CSVSink appends one row per result to a csv file, optionally gzipped.
type CSVSink struct {
	cfg csvConfig
	fs  afero.Fs
	log logrus.FieldLogger

	mu     sync.Mutex
	file   afero.File
	gz     *gzip.Writer
	writer *csv.Writer
}

var _ lib.Sink = (*CSVSink)(nil)

var csvHeader = []string{
	"timestamp", "vu_id", "iteration", "scenario", "step_name",
	"duration_ms", "success", "status", "bytes_sent", "bytes_received",
	"error", "error_kind",
}

func newCSVSink(o *plan.OutputConfig, fs afero.Fs, logger logrus.FieldLogger) (*CSVSink, error) {
	cfg := csvConfig{
		Path:      o.Setting("path", "stampede-results.csv"),
		Delimiter: o.Setting("delimiter", ","),
		Gzip:      settingBool(o, "gzip", false),
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("csv output: %w", err)
	}
	if len(cfg.Delimiter) != 1 {
		return nil, fmt.Errorf("csv output: delimiter must be a single character, got %q", cfg.Delimiter)
	}

	return &CSVSink{
		cfg: cfg,
		fs:  fs,
		log: logger.WithField("sink", "csv"),
	}, nil
}

// Name implements lib.Sink.
func (s *CSVSink) Name() string { return "csv" }

// Initialize implements lib.Sink: it creates the file and writes the header.
func (s *CSVSink) Initialize() error {
	path := s.cfg.Path
	if s.cfg.Gzip && !strings.HasSuffix(path, ".gz") {
		path += ".gz"
	}

	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.file = f
	var w io.Writer = f
	if s.cfg.Gzip {
		s.gz = gzip.NewWriter(f)
		w = s.gz
	}
	s.writer = csv.NewWriter(w)
	s.writer.Comma = rune(s.cfg.Delimiter[0])

	if err := s.writer.Write(csvHeader); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

// WriteResult implements lib.Sink.
func (s *CSVSink) WriteResult(r *lib.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("csv sink not initialized")
	}
	return s.writer.Write([]string{
		strconv.FormatInt(r.Timestamp, 10),
		strconv.Itoa(r.VUID),
		strconv.FormatInt(r.Iteration, 10),
		r.Scenario,
		r.StepName,
		strconv.FormatFloat(r.DurationMS, 'f', 3, 64),
		strconv.FormatBool(r.Success),
		strconv.Itoa(r.Status),
		strconv.FormatInt(r.BytesSent, 10),
		strconv.FormatInt(r.BytesReceived, 10),
		r.Error,
		r.ErrorKind,
	})
}

// WriteSummary implements lib.Sink. The csv stream carries raw results only;
// the summary goes to the report file and the other sinks.
func (s *CSVSink) WriteSummary(*lib.Summary) error { return nil }

// Finalize implements lib.Sink.
func (s *CSVSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}
	s.writer.Flush()
	err := s.writer.Error()

	if s.gz != nil {
		if cerr := s.gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.writer = nil
	return err
}
