package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/matcher"
)

// fakeSource replays a scripted sequence of reads, then returns empty
// reads forever.
type fakeSource struct {
	reads []readStep
	idx   int
}

type readStep struct {
	text string
	err  error
}

func (s *fakeSource) ReadNew() (string, error) {
	if s.idx >= len(s.reads) {
		return "", nil
	}
	step := s.reads[s.idx]
	s.idx++
	return step.text, step.err
}

func (s *fakeSource) Accessible() bool { return true }

func testConfig(clk clock.Clock) Config {
	return Config{
		Keyword:       "DONE_SIGNAL",
		PollInterval:  time.Second,
		Timeout:       time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		Clock:         clk,
		Validator:     matcher.AcceptAll{},
	}
}

func TestDetectsExactlyOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	// Keyword split across two polls; each segment is delivered once.
	src := &fakeSource{reads: []readStep{
		{text: "worker output...\nDONE_SI"},
		{text: "GNAL\ntrailing text\n"},
	}}

	m := New(src, testConfig(clk))
	res := m.Run(context.Background())

	if res.Outcome != OutcomeDetected {
		t.Fatalf("Outcome = %q, want %q (err: %v)", res.Outcome, OutcomeDetected, res.Err)
	}
	if res.Detection == nil {
		t.Fatal("Detection is nil")
	}
	if !strings.Contains(res.Detection.MatchedText, "DONE_SIGNAL") {
		t.Errorf("MatchedText = %q, want to contain keyword", res.Detection.MatchedText)
	}
	if res.Detection.ID == "" {
		t.Error("Detection.ID is empty")
	}
	if res.Suppressed != 0 {
		t.Errorf("Suppressed = %d, want 0", res.Suppressed)
	}
	if m.State() != StateDetected {
		t.Errorf("State = %q, want %q", m.State(), StateDetected)
	}
}

func TestNoiseFilteredOccurrenceIgnored(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &fakeSource{reads: []readStep{
		{text: "say \"DONE_SIGNAL\" when finished\n"},
		{text: "DONE_SIGNAL\n"},
	}}

	cfg := testConfig(clk)
	cfg.Validator = matcher.NewNoiseFilter()
	m := New(src, cfg)
	res := m.Run(context.Background())

	if res.Outcome != OutcomeDetected {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeDetected)
	}
	// The accepted match is the bare keyword line, not the quoted one.
	if res.Detection.MatchedText != "DONE_SIGNAL" {
		t.Errorf("MatchedText = %q, want %q", res.Detection.MatchedText, "DONE_SIGNAL")
	}
}

func TestCooldownSuppression(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := clock.NewFake(start)
	src := &fakeSource{reads: []readStep{
		{text: "DONE_SIGNAL\n"}, // inside cooldown of LastAccepted: suppressed
		{text: ""},
		{text: ""},
		{text: ""},
		{text: "DONE_SIGNAL again\n"}, // cooldown elapsed: accepted
	}}

	var observed []Detection
	cfg := testConfig(clk)
	cfg.DetectionCooldown = 3 * time.Second
	cfg.LastAccepted = start
	cfg.OnSuppressed = func(d Detection) { observed = append(observed, d) }

	m := New(src, cfg)
	res := m.Run(context.Background())

	if res.Outcome != OutcomeDetected {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeDetected)
	}
	if res.Suppressed != 1 {
		t.Errorf("Suppressed = %d, want 1", res.Suppressed)
	}
	if len(observed) != 1 {
		t.Errorf("OnSuppressed called %d times, want 1", len(observed))
	}
	if got := m.LastAccepted(); !got.After(start) {
		t.Errorf("LastAccepted = %v, want after %v", got, start)
	}
}

func TestTimeout(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &fakeSource{} // never produces the keyword

	cfg := testConfig(clk)
	cfg.Timeout = 5 * time.Second
	m := New(src, cfg)
	res := m.Run(context.Background())

	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeTimedOut)
	}
	if m.State() != StateTimedOut {
		t.Errorf("State = %q, want %q", m.State(), StateTimedOut)
	}
}

func TestTransientErrorRetriedThenDetected(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	readErr := errors.New("pane temporarily unavailable")
	src := &fakeSource{reads: []readStep{
		{err: readErr},
		{err: readErr},
		{text: "DONE_SIGNAL\n"},
	}}

	m := New(src, testConfig(clk))
	res := m.Run(context.Background())

	if res.Outcome != OutcomeDetected {
		t.Fatalf("Outcome = %q, want %q (err: %v)", res.Outcome, OutcomeDetected, res.Err)
	}
}

func TestRetriesExhaustedErrors(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	readErr := errors.New("pane gone")
	src := &fakeSource{reads: []readStep{
		{err: readErr}, {err: readErr}, {err: readErr}, {err: readErr},
	}}

	cfg := testConfig(clk)
	cfg.RetryAttempts = 3
	m := New(src, cfg)
	res := m.Run(context.Background())

	if res.Outcome != OutcomeErrored {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeErrored)
	}
	if !errors.Is(res.Err, readErr) {
		t.Errorf("Err = %v, want wrapped %v", res.Err, readErr)
	}
	if m.State() != StateErrored {
		t.Errorf("State = %q, want %q", m.State(), StateErrored)
	}
}

func TestStopBeforeRun(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	m := New(&fakeSource{}, testConfig(clk))

	m.Stop()
	m.Stop() // idempotent

	res := m.Run(context.Background())
	if res.Outcome != OutcomeErrored || !errors.Is(res.Err, ErrStopped) {
		t.Errorf("Run after Stop = %q/%v, want errored/ErrStopped", res.Outcome, res.Err)
	}
}

func TestCancelledContext(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	m := New(&fakeSource{}, testConfig(clk))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.Run(ctx)
	if res.Outcome != OutcomeErrored || !errors.Is(res.Err, ErrStopped) {
		t.Errorf("Run with cancelled ctx = %q/%v, want errored/ErrStopped", res.Outcome, res.Err)
	}
}

func TestStartDeliversResult(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	src := &fakeSource{reads: []readStep{{text: "DONE_SIGNAL\n"}}}

	m := New(src, testConfig(clk))
	res := <-m.Start(context.Background())
	if res.Outcome != OutcomeDetected {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeDetected)
	}
}

func TestWindowBufferBounded(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))

	// Feed far more text than the buffer cap before the keyword shows up.
	var reads []readStep
	filler := strings.Repeat("x", 1024) + "\n"
	for i := 0; i < 20; i++ {
		reads = append(reads, readStep{text: filler})
	}
	reads = append(reads, readStep{text: "DONE_SIGNAL\n"})

	m := New(&fakeSource{reads: reads}, testConfig(clk))
	res := m.Run(context.Background())

	if res.Outcome != OutcomeDetected {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, OutcomeDetected)
	}
	if len(m.buf) > m.bufCap {
		t.Errorf("buffer grew to %d, cap %d", len(m.buf), m.bufCap)
	}
}
