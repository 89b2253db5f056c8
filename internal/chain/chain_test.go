package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/matcher"
	"github.com/foremanhq/foreman/internal/monitor"
)

// stepSource feeds each step's wait its own scripted text, keyed by the
// order monitors are created.
type stepSource struct {
	texts []string
	calls int
}

func (s *stepSource) next() string {
	if s.calls >= len(s.texts) {
		return ""
	}
	t := s.texts[s.calls]
	s.calls++
	return t
}

type oneShotSource struct {
	text string
	done bool
}

func (s *oneShotSource) ReadNew() (string, error) {
	if s.done {
		return "", nil
	}
	s.done = true
	return s.text, nil
}

func (s *oneShotSource) Accessible() bool { return true }

func testFactory(clk clock.Clock, src *stepSource) MonitorFactory {
	return func(keyword string, chainIndex int, lastAccepted time.Time) *monitor.Monitor {
		return monitor.New(&oneShotSource{text: src.next()}, monitor.Config{
			Keyword:       keyword,
			ChainIndex:    chainIndex,
			PollInterval:  time.Second,
			Timeout:       5 * time.Second,
			RetryAttempts: 1,
			RetryDelay:    time.Second,
			Clock:         clk,
			Validator:     matcher.AcceptAll{},
			LastAccepted:  lastAccepted,
		})
	}
}

func twoStepConfig(clk clock.Clock, src *stepSource, order *[]string) Config {
	return Config{
		Steps: []Step{
			{
				Keyword: "ANALYST_DONE",
				Action: func(ctx context.Context, det monitor.Detection) error {
					*order = append(*order, "action1")
					return nil
				},
				Next: "WORKER_DONE",
			},
			{
				Keyword: "WORKER_DONE",
				Action: func(ctx context.Context, det monitor.Detection) error {
					*order = append(*order, "action2")
					return nil
				},
			},
		},
		IncrementPoint: 1,
		MaxIterations:  5,
		ExitOnAllPass:  true,
		NewMonitor:     testFactory(clk, src),
	}
}

func TestValidation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	factory := testFactory(clk, &stepSource{})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no steps", Config{MaxIterations: 1, NewMonitor: factory}},
		{"no factory", Config{Steps: []Step{{Keyword: "K"}}, MaxIterations: 1}},
		{"zero max iterations", Config{Steps: []Step{{Keyword: "K"}}, NewMonitor: factory}},
		{"empty keyword", Config{Steps: []Step{{Keyword: ""}}, MaxIterations: 1, NewMonitor: factory}},
		{"broken link", Config{
			Steps:         []Step{{Keyword: "A", Next: "X"}, {Keyword: "B"}},
			MaxIterations: 1, NewMonitor: factory,
		}},
		{"terminal step with next", Config{
			Steps:         []Step{{Keyword: "A", Next: "A"}},
			MaxIterations: 1, NewMonitor: factory,
		}},
		{"increment point out of range", Config{
			Steps:          []Step{{Keyword: "A"}},
			IncrementPoint: 1, MaxIterations: 1, NewMonitor: factory,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() = nil error, want validation error")
			}
		})
	}
}

func TestChainOrdering(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &stepSource{texts: []string{"ANALYST_DONE\n", "WORKER_DONE\n"}}

	var order []string
	cfg := twoStepConfig(clk, src, &order)
	// Record when each wait is armed, to assert action1 precedes wait2.
	base := cfg.NewMonitor
	cfg.NewMonitor = func(keyword string, idx int, last time.Time) *monitor.Monitor {
		order = append(order, "arm:"+keyword)
		return base(keyword, idx, last)
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := m.Run(context.Background())
	if !res.Completed {
		t.Fatalf("traversal failed at step %d: %v", res.FailedStep, res.Err)
	}

	want := []string{"arm:ANALYST_DONE", "action1", "arm:WORKER_DONE", "action2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if m.Status() != StatusComplete {
		t.Errorf("Status = %q, want %q", m.Status(), StatusComplete)
	}
	if len(res.Detections) != 2 {
		t.Errorf("len(Detections) = %d, want 2", len(res.Detections))
	}
	if res.Detections[0].ChainIndex != 0 || res.Detections[1].ChainIndex != 1 {
		t.Errorf("detection chain indexes = %d, %d, want 0, 1",
			res.Detections[0].ChainIndex, res.Detections[1].ChainIndex)
	}
}

func TestIterationIncrementsOncePerTraversal(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))

	var order []string
	src := &stepSource{texts: []string{
		"ANALYST_DONE\n", "WORKER_DONE\n",
		"ANALYST_DONE\n", "WORKER_DONE\n",
	}}
	m, err := New(twoStepConfig(clk, src, &order))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 1; i <= 2; i++ {
		res := m.Run(context.Background())
		if !res.Completed {
			t.Fatalf("traversal %d failed at step %d (outcome %q): %v", i, res.FailedStep, res.Outcome, res.Err)
		}
		if m.Iteration() != i {
			t.Errorf("Iteration after traversal %d = %d, want %d", i, m.Iteration(), i)
		}
		// Move past the detection cooldown so the next round's signals are
		// not suppressed as stale re-reads of this round's.
		clk.Advance(monitor.DefaultDetectionCooldown + time.Second)
	}
}

func TestTimeoutFailsTraversal(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &stepSource{texts: []string{"ANALYST_DONE\n", "never the keyword\n"}}

	var order []string
	m, err := New(twoStepConfig(clk, src, &order))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := m.Run(context.Background())
	if res.Completed {
		t.Fatal("traversal completed, want failure")
	}
	if res.FailedStep != 1 {
		t.Errorf("FailedStep = %d, want 1", res.FailedStep)
	}
	if res.Outcome != monitor.OutcomeTimedOut {
		t.Errorf("Outcome = %q, want %q", res.Outcome, monitor.OutcomeTimedOut)
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status = %q, want %q", m.Status(), StatusFailed)
	}
	// action1 ran, action2 never did.
	if len(order) != 1 || order[0] != "action1" {
		t.Errorf("order = %v, want [action1]", order)
	}
	// Iteration did not move: the traversal never reached the increment point.
	if m.Iteration() != 0 {
		t.Errorf("Iteration = %d, want 0", m.Iteration())
	}
}

func TestActionErrorFailsTraversal(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &stepSource{texts: []string{"ANALYST_DONE\n"}}
	actionErr := errors.New("forward failed")

	m, err := New(Config{
		Steps: []Step{{
			Keyword: "ANALYST_DONE",
			Action: func(ctx context.Context, det monitor.Detection) error {
				return actionErr
			},
		}},
		MaxIterations: 3,
		NewMonitor:    testFactory(clk, src),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := m.Run(context.Background())
	if res.Completed {
		t.Fatal("traversal completed, want failure")
	}
	if !errors.Is(res.Err, actionErr) {
		t.Errorf("Err = %v, want wrapped %v", res.Err, actionErr)
	}
}

func TestShouldTerminate(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	var order []string

	tests := []struct {
		name          string
		iterations    int
		maxIterations int
		exitOnAllPass bool
		allResolved   bool
		want          bool
	}{
		{"under max, unresolved", 1, 5, true, false, false},
		{"at max", 5, 5, true, false, true},
		{"all resolved with exit", 1, 5, true, true, true},
		{"all resolved without exit", 1, 5, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stepSource{}
			cfg := twoStepConfig(clk, src, &order)
			cfg.MaxIterations = tt.maxIterations
			cfg.ExitOnAllPass = tt.exitOnAllPass
			m, err := New(cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			m.iteration = tt.iterations
			if got := m.ShouldTerminate(tt.allResolved); got != tt.want {
				t.Errorf("ShouldTerminate(%v) = %v, want %v", tt.allResolved, got, tt.want)
			}
		})
	}
}
