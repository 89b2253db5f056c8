package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/loop"
	"github.com/foremanhq/foreman/internal/style"
	"github.com/foremanhq/foreman/internal/task"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status <tasks.toml>",
	Short: "Show task statuses and the last run's outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConfigPath, "config", config.DefaultFileName, "config file path")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return err
	}
	store, err := task.LoadFile(args[0])
	if err != nil {
		return err
	}

	tasks := store.All()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		tbl := style.NewTable(
			style.Column{Name: "TASK"},
			style.Column{Name: "TITLE"},
			style.Column{Name: "STATUS"},
		)
		for _, t := range tasks {
			tbl.AddRow(t.ID, t.Title, style.Status(t.Status == task.StatusPass))
		}
		fmt.Print(tbl.Render())
	} else {
		// Plain tab-separated output when piped.
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Title)
		}
	}

	rep, err := loop.LoadReport(cfg.Loop.StateDir)
	if err != nil {
		// No run yet is normal.
		return nil
	}
	fmt.Printf("\nLast run: %s (%d iteration(s), finished %s)\n",
		rep.Outcome, rep.Iterations, rep.FinishedAt.Format("2006-01-02 15:04:05"))
	return nil
}
