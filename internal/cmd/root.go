// Package cmd implements the fm command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// exitCode carries a nonzero exit for runs that finish without a command
// error, like a run ending on max_iterations.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "Drive an analyst/worker agent loop until tracked tasks pass",
	Long: `Foreman supervises a feedback loop between two AI agents in tmux:
an analyst that inspects failing tasks and a worker that fixes them.
Each iteration sends the unresolved tasks to the analyst, forwards its
findings to the worker, waits for both completion keywords, and updates
task statuses from the analyst's explicit verdicts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code: 0 when all tasks
// passed, 1 when a run finished without resolving everything, 2 on an
// unrecoverable error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return exitCode
}
