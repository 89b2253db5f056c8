package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/loop"
)

var lockConfigPath string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the exclusive send lock",
}

var lockMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show send-lock counters from the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(lockConfigPath)
		if err != nil {
			return err
		}
		rep, err := loop.LoadReport(cfg.Loop.StateDir)
		if err != nil {
			return fmt.Errorf("no run report found; run `fm run` first: %w", err)
		}
		fmt.Print(rep.RenderLock())
		return nil
	},
}

func init() {
	lockCmd.PersistentFlags().StringVar(&lockConfigPath, "config", config.DefaultFileName, "config file path")
	lockCmd.AddCommand(lockMetricsCmd)
	rootCmd.AddCommand(lockCmd)
}
