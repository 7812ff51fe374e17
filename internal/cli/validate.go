package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/stampedehq/stampede/internal/config"
	"github.com/stampedehq/stampede/internal/runner"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a test plan without running it",
		Long: `Check a plan document's structure, field types, semantic rules, and
threshold expressions, reporting the first problem found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			p, err := config.Load(afero.NewOsFs(), args[0], newLogger(verbose))
			if err != nil {
				return err
			}
			if err := runner.ValidateThresholds(p.Thresholds); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d load phase(s), %d scenario(s))\n",
				args[0], len(p.Load), len(p.Scenarios))
			return nil
		},
	}
}
