// Package cli implements the mbandit command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mbandit",
		Short: "Adaptive experiment engine",
		Long: `mbandit runs multi-armed bandit, contextual bandit and Bayesian A/B
experiments. It assigns arms with Thompson sampling and updates arm
posteriors from observed outcomes.

Configuration is read from MBANDIT_* environment variables.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newExperimentCmd(),
		newDrawCmd(),
		newUpdateCmd(),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
