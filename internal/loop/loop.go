// Package loop drives the outer analyst/worker iteration: send the failing
// tasks to the analyst, wait for its completion keyword, forward the
// response to the worker, wait for the worker's keyword, reconcile task
// statuses, and repeat until everything passes or the iteration cap is hit.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/foremanhq/foreman/internal/chain"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/matcher"
	"github.com/foremanhq/foreman/internal/monitor"
	"github.com/foremanhq/foreman/internal/sendlock"
	"github.com/foremanhq/foreman/internal/sink"
	"github.com/foremanhq/foreman/internal/stream"
	"github.com/foremanhq/foreman/internal/task"
)

// LayerController is the lock identity the controller sends under. It is
// registered alongside any watcher layers from config.
const LayerController = "controller"

// Outcome is the final verdict of a run, always exactly one of three.
type Outcome string

const (
	OutcomeAllTasksPassed Outcome = "all_tasks_passed"
	OutcomeMaxIterations  Outcome = "max_iterations"
	OutcomeStoppedEarly   Outcome = "stopped_early"
)

// FailureKind classifies why one iteration did not complete. An iteration
// failure is recorded and the loop continues; only a permanently
// inaccessible stream stops the run.
type FailureKind string

const (
	FailureDuplicateBlocked        FailureKind = "duplicate_blocked"
	FailureDetectionTimeout        FailureKind = "detection_timeout"
	FailureSendFailed              FailureKind = "send_failed"
	FailureReconciliationAmbiguous FailureKind = "reconciliation_ambiguous"
)

// errForward marks a failure to deliver the analyst's response to the
// worker, so it can be told apart from monitor errors after a traversal.
var errForward = errors.New("forwarding to worker")

// Agent is one side of the loop: where its output is read from, where
// messages to it are sent, and the keyword that means it finished.
type Agent struct {
	Source  stream.Source
	Sink    sink.Sink
	Keyword string
}

// MonitorSettings tunes the keyword monitors the controller arms.
// Zero values fall back to the monitor package defaults.
type MonitorSettings struct {
	PollInterval      time.Duration
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	DetectionCooldown time.Duration
	ContextWindow     int
}

// Config configures a Controller. Tasks, Lock, and both agents are
// required.
type Config struct {
	Tasks   task.Store
	Lock    *sendlock.Lock
	Analyst Agent
	Worker  Agent

	MaxIterations int
	ExitOnAllPass bool

	Monitor   MonitorSettings
	Validator matcher.Validator
	Clock     clock.Clock
	Logger    *log.Logger
}

// IterationResult records one outer-loop pass. Failure is empty when the
// pass completed its full traversal and reconciliation.
type IterationResult struct {
	Attempt    int                 `json:"attempt"`
	Iteration  int                 `json:"iteration"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Failure    FailureKind         `json:"failure,omitempty"`
	Err        string              `json:"error,omitempty"`
	Detections []monitor.Detection `json:"detections,omitempty"`
	Resolved   []string            `json:"resolved,omitempty"`
	Suppressed int                 `json:"suppressed,omitempty"`

	fatal bool
}

// Controller owns the outer loop. Construct once, Run once.
type Controller struct {
	cfg     Config
	machine *chain.Machine
	clk     clock.Clock
	logger  *log.Logger

	// analystResponse is the output window captured with the analyst's
	// completion keyword, stashed by the first chain step's action for
	// reconciliation after the traversal. Iterations are sequential, so a
	// plain field suffices.
	analystResponse string
}

// New validates cfg and builds the controller and its two-step chain.
func New(cfg Config) (*Controller, error) {
	if cfg.Tasks == nil {
		return nil, errors.New("loop: no task store")
	}
	if cfg.Lock == nil {
		return nil, errors.New("loop: no send lock")
	}
	for _, a := range []struct {
		name  string
		agent Agent
	}{{"analyst", cfg.Analyst}, {"worker", cfg.Worker}} {
		if a.agent.Source == nil || a.agent.Sink == nil || a.agent.Keyword == "" {
			return nil, fmt.Errorf("loop: %s agent incompletely configured", a.name)
		}
	}
	if cfg.MaxIterations <= 0 {
		return nil, errors.New("loop: max iterations must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Validator == nil {
		cfg.Validator = matcher.NewNoiseFilter()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = monitor.DefaultPollInterval
	}

	c := &Controller{cfg: cfg, clk: cfg.Clock, logger: cfg.Logger}

	machine, err := chain.New(chain.Config{
		Steps: []chain.Step{
			{Keyword: cfg.Analyst.Keyword, Action: c.forwardToWorker, Next: cfg.Worker.Keyword},
			{Keyword: cfg.Worker.Keyword},
		},
		IncrementPoint: 1,
		MaxIterations:  cfg.MaxIterations,
		ExitOnAllPass:  cfg.ExitOnAllPass,
		NewMonitor:     c.newMonitor,
	})
	if err != nil {
		return nil, err
	}
	c.machine = machine
	return c, nil
}

// Iteration returns the number of completed iterations so far.
func (c *Controller) Iteration() int { return c.machine.Iteration() }

// Stop cancels any wait in progress. The current pass finishes as a
// stopped-early failure.
func (c *Controller) Stop() { c.machine.Stop() }

// Run drives the loop to one of the three outcomes and returns the report.
func (c *Controller) Run(ctx context.Context) *Report {
	rep := newReport(c.clk.Now())

	for attempt := 1; attempt <= c.cfg.MaxIterations; attempt++ {
		unresolved := c.cfg.Tasks.ListUnresolved()
		if len(unresolved) == 0 {
			rep.Outcome = OutcomeAllTasksPassed
			break
		}

		c.logger.Printf("iteration %d: %d unresolved task(s)", attempt, len(unresolved))
		res := c.iterate(ctx, attempt, unresolved)
		rep.Results = append(rep.Results, res)

		if res.Failure != "" {
			c.logger.Printf("iteration %d failed: %s%s", attempt, res.Failure, errSuffix(res.Err))
		} else if len(res.Resolved) > 0 {
			c.logger.Printf("iteration %d resolved: %v", attempt, res.Resolved)
		}

		if res.fatal || ctx.Err() != nil {
			rep.Outcome = OutcomeStoppedEarly
			break
		}

		allResolved := len(c.cfg.Tasks.ListUnresolved()) == 0
		if c.machine.ShouldTerminate(allResolved) {
			if allResolved {
				rep.Outcome = OutcomeAllTasksPassed
			} else {
				rep.Outcome = OutcomeMaxIterations
			}
			break
		}

		// Pause one poll interval between passes. A blocked or failed pass
		// retries on this cadence rather than spinning, and the lock's
		// post-release cooldown has room to elapse.
		if err := c.clk.Sleep(ctx, c.cfg.Monitor.PollInterval); err != nil {
			rep.Outcome = OutcomeStoppedEarly
			break
		}
	}

	if rep.Outcome == "" {
		if len(c.cfg.Tasks.ListUnresolved()) == 0 {
			rep.Outcome = OutcomeAllTasksPassed
		} else {
			rep.Outcome = OutcomeMaxIterations
		}
	}

	rep.Iterations = c.machine.Iteration()
	rep.Unresolved = c.cfg.Tasks.ListUnresolved()
	rep.Lock = c.cfg.Lock.Metrics()
	rep.FinishedAt = c.clk.Now()
	c.logger.Printf("run %s finished: %s after %d iteration(s), %d unresolved",
		rep.RunID, rep.Outcome, rep.Iterations, len(rep.Unresolved))
	return rep
}

// iterate performs one pass: acquire, send to analyst, traverse the chain,
// release, reconcile. The lock is released on every path out.
func (c *Controller) iterate(ctx context.Context, attempt int, unresolved []task.Task) (res IterationResult) {
	res = IterationResult{Attempt: attempt, StartedAt: c.clk.Now()}
	defer func() {
		res.Iteration = c.machine.Iteration()
		res.FinishedAt = c.clk.Now()
	}()

	if !c.cfg.Lock.TryAcquire(LayerController) {
		res.Failure = FailureDuplicateBlocked
		return res
	}
	released := false
	release := func() {
		if !released {
			released = true
			c.cfg.Lock.Release(LayerController)
		}
	}
	defer release()

	if err := c.cfg.Analyst.Sink.Send(AnalystPrompt(unresolved, c.cfg.Analyst.Keyword)); err != nil {
		res.Failure = FailureSendFailed
		res.Err = err.Error()
		return res
	}

	c.analystResponse = ""
	tr := c.machine.Run(ctx)
	res.Detections = tr.Detections
	res.Suppressed = tr.Suppressed

	if !tr.Completed {
		res.Failure, res.fatal = c.classify(ctx, tr)
		if tr.Err != nil {
			res.Err = tr.Err.Error()
		}
		return res
	}

	// Reconciliation happens outside the hold; the send phase is over.
	release()

	resolved, err := task.Reconcile(c.cfg.Tasks, c.analystResponse)
	res.Resolved = resolved
	if err != nil {
		// Statuses are untouched on any reconciliation error.
		res.Failure = FailureReconciliationAmbiguous
		res.Err = err.Error()
		return res
	}
	if err := c.cfg.Tasks.Persist(); err != nil {
		c.logger.Printf("Warning: persisting task state: %v", err)
	}
	return res
}

// forwardToWorker is the first chain step's action: stash the analyst's
// response for reconciliation, then deliver it to the worker. It runs
// strictly before the worker-keyword wait is armed.
func (c *Controller) forwardToWorker(ctx context.Context, det monitor.Detection) error {
	c.analystResponse = det.ContextWindow
	if err := c.cfg.Worker.Sink.Send(WorkerPrompt(det.ContextWindow, c.cfg.Worker.Keyword)); err != nil {
		return fmt.Errorf("%w: %w", errForward, err)
	}
	return nil
}

// classify maps a failed traversal to its failure kind and decides whether
// the run can continue. Monitor errors escalate to detection_timeout unless
// the failing step's stream is permanently gone.
func (c *Controller) classify(ctx context.Context, tr chain.TraversalResult) (FailureKind, bool) {
	switch {
	case tr.Outcome == monitor.OutcomeTimedOut:
		return FailureDetectionTimeout, false
	case errors.Is(tr.Err, errForward):
		return FailureSendFailed, false
	case ctx.Err() != nil || errors.Is(tr.Err, monitor.ErrStopped):
		return FailureDetectionTimeout, true
	default:
		if !c.sourceFor(tr.FailedStep).Accessible() {
			return FailureDetectionTimeout, true
		}
		return FailureDetectionTimeout, false
	}
}

func (c *Controller) sourceFor(step int) stream.Source {
	if step == 0 {
		return c.cfg.Analyst.Source
	}
	return c.cfg.Worker.Source
}

// analystWindowMin is the floor for the analyst monitor's context window.
// Reconciliation parses verdict lines out of that window, so it must hold
// the whole response, not just the text near the keyword.
const analystWindowMin = 4096

// newMonitor builds the monitor for one chain step's wait.
func (c *Controller) newMonitor(keyword string, chainIndex int, lastAccepted time.Time) *monitor.Monitor {
	src := c.sourceFor(chainIndex)
	m := c.cfg.Monitor
	if chainIndex == 0 && m.ContextWindow < analystWindowMin {
		m.ContextWindow = analystWindowMin
	}
	return monitor.New(src, monitor.Config{
		Keyword:    keyword,
		Iteration:  c.machine.Iteration() + 1,
		ChainIndex: chainIndex,

		PollInterval:      m.PollInterval,
		Timeout:           m.Timeout,
		RetryAttempts:     m.RetryAttempts,
		RetryDelay:        m.RetryDelay,
		DetectionCooldown: m.DetectionCooldown,
		ContextWindow:     m.ContextWindow,

		Validator:    c.cfg.Validator,
		Clock:        c.clk,
		LastAccepted: lastAccepted,
	})
}

func errSuffix(msg string) string {
	if msg == "" {
		return ""
	}
	return ": " + msg
}
