// Package cli implements the stampede command tree: run, validate, and
// version.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stampedehq/stampede/internal/runner"
)

// version is stamped by the release build.
var version = "0.1.0"

// Process exit codes. A run that finishes but misses a declared threshold
// exits differently from one that failed outright, so CI pipelines can tell
// a slow service from a broken test.
const (
	exitOK         = 0
	exitError      = 1
	exitThresholds = 2
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "stampede",
		Short:   "A declarative load-testing engine",
		Version: version,
		Long: `Stampede executes declarative load tests: YAML or JSON plans describing
load phases, weighted scenarios, data bindings, checks, and output sinks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Main executes the root command and returns the process exit code.
func Main() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

// exitCode distinguishes missed thresholds from real failures.
func exitCode(err error) int {
	var terr *runner.ThresholdError
	if errors.As(err, &terr) {
		return exitThresholds
	}
	return exitError
}
