package cli

import (
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger builds the process logger. Logs go to stderr so they never
// interleave with the console sink on stdout. Debug when verbose, warnings
// and up otherwise.
func newLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// applyPlanLogLevel applies the plan's debug.log_level. Unknown names are
// reported and ignored; --verbose wins and skips this entirely.
func applyPlanLogLevel(logger *logrus.Logger, level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("log_level", level).Warn("unknown debug.log_level, keeping current level")
		return
	}
	logger.SetLevel(lvl)
}
