package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/stampedehq/stampede/internal/config"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/output"
	"github.com/stampedehq/stampede/internal/runner"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Execute a test plan",
		Long: `Execute a test plan and stream results to the configured sinks.

The console shows live progress while the test runs and a summary at the
end. Declared thresholds are evaluated against the summary; a finished run
that misses one exits with code 2.

Interrupting the run (Ctrl-C) stops it gracefully: in-flight steps are
cancelled and the summary covers everything recorded so far.

  stampede run plan.yaml
  stampede run --quiet --report out/summary.json plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runTest,
	}

	cmd.Flags().Bool("quiet", false, "suppress the live progress line")
	cmd.Flags().Bool("no-color", false, "disable colored output")
	cmd.Flags().String("report", "", "write the summary report to this path")
	cmd.Flags().Duration("stop-grace", 0, "how long to wait for VUs on shutdown")
	return cmd
}

func runTest(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	reportPath, _ := cmd.Flags().GetString("report")
	stopGrace, _ := cmd.Flags().GetDuration("stop-grace")

	fs := afero.NewOsFs()
	logger := newLogger(verbose)

	p, err := config.Load(fs, args[0], logger)
	if err != nil {
		return err
	}
	if !verbose {
		applyPlanLogLevel(logger, p.Debug.LogLevel)
	}
	if reportPath != "" {
		p.Report.Generate = true
		p.Report.Output = reportPath
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  cmd.OutOrStdout(),
		Quiet:   quiet,
		NoColor: noColor,
		Logger:  logger,
	})

	r, err := runner.New(p, runner.Options{
		FS:        fs,
		Logger:    logger,
		Sinks:     []lib.Sink{console},
		StopGrace: stopGrace,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = r.Run(ctx)
	return err
}
