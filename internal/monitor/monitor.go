// Package monitor implements the keyword-driven polling watcher at the heart
// of foreman. A Monitor polls a growing text stream for one target keyword,
// filters out quoted/echoed noise, suppresses stale re-detections inside a
// cooldown window, and resolves to exactly one of Detected, TimedOut, or
// Errored.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/matcher"
	"github.com/foremanhq/foreman/internal/stream"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultPollInterval      = time.Second
	DefaultTimeout           = 5 * time.Minute
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 2 * time.Second
	DefaultDetectionCooldown = 60 * time.Second
	DefaultContextWindow     = 400
)

// minBuffer is the smallest internal text window the monitor keeps.
const minBuffer = 4096

// ErrStopped is the error carried by an Errored result after Stop or
// context cancellation.
var ErrStopped = errors.New("monitor stopped")

// State is the monitor lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateDetected State = "detected"
	StateTimedOut State = "timed_out"
	StateErrored  State = "errored"
)

// stateTransitions is the set of legal lifecycle moves. Polling re-enters
// itself across benign read errors; the three outcomes are terminal.
var stateTransitions = map[State]map[State]bool{
	StateIdle: {
		StatePolling: true,
		StateErrored: true, // stopped before starting
	},
	StatePolling: {
		StateDetected: true,
		StateTimedOut: true,
		StateErrored:  true,
	},
}

// Outcome classifies how a monitor run ended. Every wait in the monitor is
// bounded, so a run always ends in exactly one of these.
type Outcome string

const (
	OutcomeDetected Outcome = "detected"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeErrored  Outcome = "errored"
)

// Detection records one accepted keyword match. Never mutated after creation.
type Detection struct {
	ID            string    `json:"id"`
	Iteration     int       `json:"iteration"`
	ChainIndex    int       `json:"chain_index"`
	At            time.Time `json:"at"`
	MatchedText   string    `json:"matched_text"`
	ContextWindow string    `json:"context_window"`
}

// Result is the single value a monitor run resolves to.
type Result struct {
	Outcome   Outcome
	Detection *Detection // set only when Outcome == OutcomeDetected
	Err       error      // set only when Outcome == OutcomeErrored
	// Suppressed counts valid matches ignored because they fell inside the
	// detection cooldown of a prior accepted detection.
	Suppressed int
}

// Config configures one monitor run.
type Config struct {
	Keyword    string
	Iteration  int
	ChainIndex int

	PollInterval      time.Duration
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	DetectionCooldown time.Duration
	ContextWindow     int // bytes of surrounding text kept per detection

	Validator matcher.Validator
	Clock     clock.Clock

	// LastAccepted seeds the cooldown baseline, so suppression carries
	// across consecutive monitors watching the same stream.
	LastAccepted time.Time

	// OnSuppressed, when set, observes each cooldown-suppressed detection.
	// Diagnostic only; suppressed matches never reach the Result.
	OnSuppressed func(Detection)
}

// Monitor polls one stream for one keyword. Create with New, run once with
// Run or Start; a Monitor is not reusable after its run resolves.
type Monitor struct {
	cfg Config
	src stream.Source
	clk clock.Clock

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	stopped  bool
	accepted time.Time

	// Scan window over the stream. base is the absolute stream offset of
	// buf[0]; scanned is the absolute offset search has covered. Text behind
	// scanned is never searched again, which is what makes detection
	// idempotent across polls.
	buf     []byte
	base    int
	scanned int
	bufCap  int
}

// New creates a Monitor over src with defaults filled in for zero fields.
func New(src stream.Source, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.DetectionCooldown <= 0 {
		cfg.DetectionCooldown = DefaultDetectionCooldown
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if cfg.Validator == nil {
		cfg.Validator = matcher.NewNoiseFilter()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	bufCap := 2*cfg.ContextWindow + len(cfg.Keyword)
	if bufCap < minBuffer {
		bufCap = minBuffer
	}
	return &Monitor{
		cfg:      cfg,
		src:      src,
		clk:      cfg.Clock,
		state:    StateIdle,
		accepted: cfg.LastAccepted,
		bufCap:   bufCap,
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastAccepted returns the timestamp of the most recent accepted detection,
// the cooldown baseline for a successor monitor on the same stream.
func (m *Monitor) LastAccepted() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Stop cancels the run. Idempotent; an in-flight poll completes but is not
// rescheduled. Safe to call before, during, or after Run.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
}

// Start runs the monitor in a goroutine, delivering the single Result on
// the returned channel.
func (m *Monitor) Start(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- m.Run(ctx)
	}()
	return ch
}

// Run polls until the keyword is detected, the timeout elapses, retries are
// exhausted, or the run is cancelled. Blocking; resolves to exactly one
// Result.
func (m *Monitor) Run(ctx context.Context) Result {
	runCtx, ok := m.begin(ctx)
	if !ok {
		return Result{Outcome: OutcomeErrored, Err: ErrStopped}
	}

	deadline := m.clk.Now().Add(m.cfg.Timeout)
	retries := 0
	suppressed := 0

	for {
		if runCtx.Err() != nil {
			m.setState(StateErrored)
			return Result{Outcome: OutcomeErrored, Err: ErrStopped, Suppressed: suppressed}
		}

		chunk, err := m.src.ReadNew()
		if err != nil {
			retries++
			if retries > m.cfg.RetryAttempts {
				m.setState(StateErrored)
				return Result{
					Outcome:    OutcomeErrored,
					Err:        fmt.Errorf("stream read failed after %d attempts: %w", retries, err),
					Suppressed: suppressed,
				}
			}
			if m.clk.Sleep(runCtx, m.cfg.RetryDelay) != nil {
				m.setState(StateErrored)
				return Result{Outcome: OutcomeErrored, Err: ErrStopped, Suppressed: suppressed}
			}
			continue
		}
		retries = 0

		if det := m.scan(chunk, &suppressed); det != nil {
			m.setState(StateDetected)
			return Result{Outcome: OutcomeDetected, Detection: det, Suppressed: suppressed}
		}

		if !m.clk.Now().Before(deadline) {
			m.setState(StateTimedOut)
			return Result{Outcome: OutcomeTimedOut, Suppressed: suppressed}
		}

		if m.clk.Sleep(runCtx, m.cfg.PollInterval) != nil {
			m.setState(StateErrored)
			return Result{Outcome: OutcomeErrored, Err: ErrStopped, Suppressed: suppressed}
		}
	}
}

// begin transitions Idle→Polling and installs the cancellable run context.
// Returns ok=false if the monitor was stopped before starting.
func (m *Monitor) begin(ctx context.Context) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.state = StateErrored
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StatePolling
	return runCtx, true
}

// setState performs a checked lifecycle transition. Illegal moves are
// ignored; a terminal state is never overwritten.
func (m *Monitor) setState(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stateTransitions[m.state][next] {
		m.state = next
	}
}

// scan appends chunk to the window and searches the unscanned region for an
// acceptable keyword occurrence. Returns the detection, or nil if none.
// Suppressed matches bump *suppressed and scanning continues.
func (m *Monitor) scan(chunk string, suppressed *int) *Detection {
	if chunk != "" {
		m.buf = append(m.buf, chunk...)
	}
	end := m.base + len(m.buf)
	if m.scanned >= end {
		m.trim()
		return nil
	}

	// Back the search start up by one keyword length so an occurrence split
	// across polls is still found; matches ending inside already-scanned
	// text are skipped below so nothing is evaluated twice.
	kw := m.cfg.Keyword
	start := m.scanned - (len(kw) - 1)
	if start < m.base {
		start = m.base
	}

	local := start - m.base
	for {
		idx := bytes.Index(m.buf[local:], []byte(kw))
		if idx < 0 {
			break
		}
		matchStart := local + idx
		matchEndAbs := m.base + matchStart + len(kw)
		local = matchStart + 1
		if matchEndAbs <= m.scanned {
			continue // already evaluated on a previous poll
		}

		if det, accepted := m.evaluate(matchStart, suppressed); accepted {
			m.scanned = matchEndAbs
			m.trim()
			return det
		}
	}

	m.scanned = end
	m.trim()
	return nil
}

// evaluate validates the occurrence at buf[matchStart] and applies the
// detection cooldown. Returns (detection, true) only for an accepted match.
func (m *Monitor) evaluate(matchStart int, suppressed *int) (*Detection, bool) {
	kw := m.cfg.Keyword

	lineStart := bytes.LastIndexByte(m.buf[:matchStart], '\n') + 1
	lineEnd := matchStart + len(kw)
	if nl := bytes.IndexByte(m.buf[lineEnd:], '\n'); nl >= 0 {
		lineEnd += nl
	} else {
		lineEnd = len(m.buf)
	}

	match := matcher.Match{
		Keyword:    kw,
		Line:       string(m.buf[lineStart:lineEnd]),
		LineOffset: matchStart - lineStart,
		Context:    m.window(matchStart),
	}
	if !m.cfg.Validator.IsValidMatch(match) {
		return nil, false
	}

	now := m.clk.Now()
	det := Detection{
		ID:            uuid.NewString(),
		Iteration:     m.cfg.Iteration,
		ChainIndex:    m.cfg.ChainIndex,
		At:            now,
		MatchedText:   match.Line,
		ContextWindow: match.Context,
	}

	m.mu.Lock()
	inCooldown := !m.accepted.IsZero() && now.Sub(m.accepted) < m.cfg.DetectionCooldown
	if !inCooldown {
		m.accepted = now
	}
	m.mu.Unlock()

	if inCooldown {
		*suppressed++
		if m.cfg.OnSuppressed != nil {
			m.cfg.OnSuppressed(det)
		}
		return nil, false
	}
	return &det, true
}

// window returns up to ContextWindow bytes centered on the match.
func (m *Monitor) window(matchStart int) string {
	half := m.cfg.ContextWindow / 2
	lo := matchStart - half
	if lo < 0 {
		lo = 0
	}
	hi := matchStart + len(m.cfg.Keyword) + half
	if hi > len(m.buf) {
		hi = len(m.buf)
	}
	return string(m.buf[lo:hi])
}

// trim drops the front of the window past bufCap, keeping offsets coherent.
func (m *Monitor) trim() {
	if len(m.buf) <= m.bufCap {
		return
	}
	drop := len(m.buf) - m.bufCap
	m.buf = append(m.buf[:0], m.buf[drop:]...)
	m.base += drop
	if m.scanned < m.base {
		m.scanned = m.base
	}
}
