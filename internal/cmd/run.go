package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/loop"
	"github.com/foremanhq/foreman/internal/matcher"
	"github.com/foremanhq/foreman/internal/runlock"
	"github.com/foremanhq/foreman/internal/sendlock"
	"github.com/foremanhq/foreman/internal/sink"
	"github.com/foremanhq/foreman/internal/stream"
	"github.com/foremanhq/foreman/internal/task"
	"github.com/foremanhq/foreman/internal/tmux"
)

var (
	runMaxIterations int
	runConfigPath    string
	runDryRun        bool
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.toml>",
	Short: "Run the analyst/worker loop over a task file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "override the configured iteration cap")
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultFileName, "config file path")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate config and print the plan without sending anything")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	if runMaxIterations > 0 {
		cfg.Loop.MaxIterations = runMaxIterations
	}

	store, err := task.LoadFile(args[0])
	if err != nil {
		return err
	}

	if runDryRun {
		printPlan(cfg, store)
		return nil
	}

	t := tmux.NewTmux()
	if !t.IsAvailable() {
		return fmt.Errorf("tmux not found in PATH")
	}
	for _, agent := range []config.AgentConfig{cfg.Analyst, cfg.Worker} {
		ok, err := t.HasSession(agent.Session)
		if err != nil {
			return fmt.Errorf("checking session %q: %w", agent.Session, err)
		}
		if !ok {
			return fmt.Errorf("tmux session %q not found; start the agent first", agent.Session)
		}
	}

	release, err := runlock.Acquire(cfg.Loop.StateDir)
	if err != nil {
		return err
	}
	defer release()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	layers := cfg.Lock.Layers
	if !slices.Contains(layers, loop.LayerController) {
		layers = append(layers, loop.LayerController)
	}
	lock := sendlock.New(sendlock.Config{
		Layers:                layers,
		Cooldown:              cfg.Lock.Cooldown.Std(),
		ForceReleaseThreshold: cfg.Lock.ForceReleaseThreshold.Std(),
		HistoryCap:            cfg.Lock.HistoryCap,
		Logger:                logger,
	})

	ctrl, err := loop.New(loop.Config{
		Tasks: store,
		Lock:  lock,
		Analyst: loop.Agent{
			Source:  stream.NewTmuxSource(t, cfg.Analyst.Session),
			Sink:    sink.NewTmuxSink(t, cfg.Analyst.Session),
			Keyword: cfg.Analyst.Keyword,
		},
		Worker: loop.Agent{
			Source:  stream.NewTmuxSource(t, cfg.Worker.Session),
			Sink:    sink.NewTmuxSink(t, cfg.Worker.Session),
			Keyword: cfg.Worker.Keyword,
		},
		MaxIterations: cfg.Loop.MaxIterations,
		ExitOnAllPass: cfg.Loop.ExitOnAllPass,
		Monitor: loop.MonitorSettings{
			PollInterval:      cfg.Monitor.PollInterval.Std(),
			Timeout:           cfg.Monitor.Timeout.Std(),
			RetryAttempts:     cfg.Monitor.RetryAttempts,
			RetryDelay:        cfg.Monitor.RetryDelay.Std(),
			DetectionCooldown: cfg.Monitor.DetectionCooldown.Std(),
			ContextWindow:     cfg.Monitor.ContextWindow,
		},
		Validator: noiseFilter(cfg.Matcher),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	rep := ctrl.Run(ctx)
	if err := rep.Save(cfg.Loop.StateDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving run report: %v\n", err)
	}

	fmt.Print(rep.Render())
	if rep.Outcome != loop.OutcomeAllTasksPassed {
		exitCode = 1
	}
	return nil
}

func noiseFilter(m config.MatcherConfig) matcher.Validator {
	f := matcher.NewNoiseFilter()
	if len(m.CommentMarkers) > 0 {
		f.CommentMarkers = m.CommentMarkers
	}
	if len(m.EchoMarkers) > 0 {
		f.EchoMarkers = m.EchoMarkers
	}
	return f
}

// printPlan shows what a run would do without sending anything.
func printPlan(cfg *config.Config, store *task.FileStore) {
	fmt.Println("Plan:")
	fmt.Printf("  analyst: session %q, keyword %q\n", cfg.Analyst.Session, cfg.Analyst.Keyword)
	fmt.Printf("  worker:  session %q, keyword %q\n", cfg.Worker.Session, cfg.Worker.Keyword)
	fmt.Printf("  up to %d iteration(s), timeout %s per wait\n",
		cfg.Loop.MaxIterations, cfg.Monitor.Timeout.Std())

	unresolved := store.ListUnresolved()
	fmt.Printf("  %d unresolved task(s):\n", len(unresolved))
	for _, tk := range unresolved {
		fmt.Printf("    - %s: %s\n", tk.ID, tk.Title)
	}
}
