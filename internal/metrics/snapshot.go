package metrics

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/lib"
)

// resultsLog appends every flushed result to an NDJSON file.
type resultsLog struct {
	fs     afero.Fs
	path   string
	logger logrus.FieldLogger

	file afero.File
	enc  *json.Encoder
}

func newResultsLog(fs afero.Fs, path string, logger logrus.FieldLogger) *resultsLog {
	return &resultsLog{fs: fs, path: path, logger: logger}
}

func (l *resultsLog) open() error {
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.enc = json.NewEncoder(f)
	return nil
}

func (l *resultsLog) append(batch []*lib.Result) error {
	if l.enc == nil {
		return nil
	}
	for _, r := range batch {
		if err := l.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *resultsLog) close() {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.logger.WithError(err).Warn("closing results file")
		}
		l.file = nil
		l.enc = nil
	}
}

// snapshotWriter overwrites a live JSON file with the full stored result
// list on every flush, for dashboards polling mid-run.
type snapshotWriter struct {
	fs     afero.Fs
	path   string
	logger logrus.FieldLogger
}

func newSnapshotWriter(fs afero.Fs, path string, logger logrus.FieldLogger) *snapshotWriter {
	return &snapshotWriter{fs: fs, path: path, logger: logger}
}

func (w *snapshotWriter) write(results []*lib.Result) error {
	if results == nil {
		results = []*lib.Result{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return afero.WriteFile(w.fs, w.path, b, 0o644)
}
