// Package chain sequences keyword monitors into a request/acknowledge
// protocol: step i waits for a keyword from one party, performs an action
// (typically forwarding a payload to the other party), then arms step i+1 to
// wait for the acknowledgement keyword. A traversal ends at the terminal
// step or on the first failed wait.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/monitor"
)

// Action is the side effect run after a step's keyword is detected. The
// detection carries the surrounding output window, so an action can forward
// what was just observed.
type Action func(ctx context.Context, det monitor.Detection) error

// Step is one link in a chain. Next names the following step's keyword;
// empty Next marks the terminal step.
type Step struct {
	Keyword string
	Action  Action
	Next    string
}

// Status is the chain lifecycle state for one traversal.
type Status string

const (
	StatusAwaiting  Status = "awaiting_keyword"
	StatusExecuting Status = "executing_action"
	StatusComplete  Status = "chain_complete"
	StatusFailed    Status = "chain_failed"
)

// statusTransitions is the set of legal moves within a traversal.
var statusTransitions = map[Status]map[Status]bool{
	StatusAwaiting: {
		StatusExecuting: true,
		StatusFailed:    true,
	},
	StatusExecuting: {
		StatusAwaiting: true, // next step armed
		StatusComplete: true,
		StatusFailed:   true,
	},
}

// MonitorFactory builds the monitor for one step's wait. The chain passes
// the step's keyword, its index, and the cooldown baseline from the previous
// accepted detection of that same keyword — a prior round's signal must not
// be re-detected, but it must not suppress a different step's keyword either.
type MonitorFactory func(keyword string, chainIndex int, lastAccepted time.Time) *monitor.Monitor

// Config configures a Machine.
type Config struct {
	Steps []Step
	// IncrementPoint is the step index whose completion counts one
	// iteration. The counter moves exactly once per traversal that reaches
	// it, never per keyword detection, so multi-step rounds don't
	// double-count.
	IncrementPoint int
	MaxIterations  int
	ExitOnAllPass  bool
	NewMonitor     MonitorFactory
}

// TraversalResult reports one full chain traversal.
type TraversalResult struct {
	Completed  bool
	FailedStep int             // index of the failing step when !Completed
	Outcome    monitor.Outcome // the failing wait's outcome when !Completed
	Err        error
	Detections []monitor.Detection
	Suppressed int
}

// Machine drives repeated traversals of a step chain and owns the iteration
// counter and termination predicate.
type Machine struct {
	cfg Config

	mu           sync.Mutex
	status       Status
	iteration    int
	lastAccepted map[string]time.Time // per-keyword cooldown baselines
	current      *monitor.Monitor
}

// New validates the chain and builds a Machine. Each step's Next must name
// the following step's keyword and only the last step may be terminal.
func New(cfg Config) (*Machine, error) {
	if len(cfg.Steps) == 0 {
		return nil, errors.New("chain: no steps")
	}
	if cfg.NewMonitor == nil {
		return nil, errors.New("chain: no monitor factory")
	}
	if cfg.IncrementPoint < 0 || cfg.IncrementPoint >= len(cfg.Steps) {
		return nil, fmt.Errorf("chain: increment point %d out of range [0,%d)", cfg.IncrementPoint, len(cfg.Steps))
	}
	if cfg.MaxIterations <= 0 {
		return nil, errors.New("chain: max iterations must be positive")
	}
	for i, step := range cfg.Steps {
		if step.Keyword == "" {
			return nil, fmt.Errorf("chain: step %d has empty keyword", i)
		}
		last := i == len(cfg.Steps)-1
		if last {
			if step.Next != "" {
				return nil, fmt.Errorf("chain: terminal step %d has next keyword %q", i, step.Next)
			}
			continue
		}
		if step.Next != cfg.Steps[i+1].Keyword {
			return nil, fmt.Errorf("chain: step %d next %q does not match step %d keyword %q",
				i, step.Next, i+1, cfg.Steps[i+1].Keyword)
		}
	}
	return &Machine{
		cfg:          cfg,
		status:       StatusAwaiting,
		lastAccepted: make(map[string]time.Time),
	}, nil
}

// Status returns the current traversal status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Iteration returns the number of completed increment-point passes.
func (m *Machine) Iteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iteration
}

// ShouldTerminate evaluates the loop-termination predicate. Called once per
// full traversal by the outer controller, not per step.
func (m *Machine) ShouldTerminate(allResolved bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.iteration >= m.cfg.MaxIterations {
		return true
	}
	return allResolved && m.cfg.ExitOnAllPass
}

// Stop cancels the monitor currently waiting, if any.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Stop()
	}
}

// Run performs one full traversal: wait, act, advance, until the terminal
// step's action has run or a wait fails. An action error fails the
// traversal at its step.
func (m *Machine) Run(ctx context.Context) TraversalResult {
	var res TraversalResult
	incremented := false

	for i, step := range m.cfg.Steps {
		m.setStatus(StatusAwaiting)

		mon := m.cfg.NewMonitor(step.Keyword, i, m.lastAcceptedFor(step.Keyword))
		m.setCurrent(mon)
		wait := mon.Run(ctx)
		m.setCurrent(nil)
		res.Suppressed += wait.Suppressed

		if wait.Outcome != monitor.OutcomeDetected {
			m.setStatus(StatusFailed)
			res.FailedStep = i
			res.Outcome = wait.Outcome
			res.Err = wait.Err
			return res
		}
		m.noteAccepted(step.Keyword, mon.LastAccepted())
		res.Detections = append(res.Detections, *wait.Detection)

		// Action runs strictly before the next step's wait is armed.
		m.setStatus(StatusExecuting)
		if step.Action != nil {
			if err := step.Action(ctx, *wait.Detection); err != nil {
				m.setStatus(StatusFailed)
				res.FailedStep = i
				res.Outcome = monitor.OutcomeErrored
				res.Err = fmt.Errorf("step %d action: %w", i, err)
				return res
			}
		}

		if i == m.cfg.IncrementPoint && !incremented {
			incremented = true
			m.mu.Lock()
			m.iteration++
			m.mu.Unlock()
		}
	}

	m.setStatus(StatusComplete)
	res.Completed = true
	return res
}

func (m *Machine) setStatus(next Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-arming after a completed or failed traversal starts fresh.
	if next == StatusAwaiting && (m.status == StatusComplete || m.status == StatusFailed) {
		m.status = next
		return
	}
	if m.status == next || statusTransitions[m.status][next] {
		m.status = next
	}
}

func (m *Machine) setCurrent(mon *monitor.Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = mon
}

func (m *Machine) lastAcceptedFor(keyword string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAccepted[keyword]
}

func (m *Machine) noteAccepted(keyword string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastAccepted[keyword]) {
		m.lastAccepted[keyword] = t
	}
}
